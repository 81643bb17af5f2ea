package grpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"geoseg/internal/config"
	"geoseg/internal/logging"
	"geoseg/internal/pipeline"
	"geoseg/internal/storage"
	"geoseg/internal/unet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type noopProcessor struct{}

func (noopProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job, Meta: map[string]any{"done": true}}
}

func dial(t *testing.T) (*ModelServiceClient, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "geoseg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pipe := pipeline.NewWithProcessor(context.Background(), config.Processing{ParallelJobs: 1}, logging.Discard(), store, noopProcessor{})
	t.Cleanup(pipe.Stop)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewModelServer(store, pipe, logging.Discard()).RegisterWithServer(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewModelServiceClient(conn), store
}

func request(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestBuild(t *testing.T) {
	client, store := dial(t)
	ctx := context.Background()

	out, err := client.Build(ctx, request(t, map[string]any{"shape": []any{256, 256, 12}, "classes": 7}))
	require.NoError(t, err)
	m := out.AsMap()
	assert.Equal(t, "U-Net", m["name"])
	assert.Equal(t, map[string]any{"h": 256.0, "w": 256.0, "c": 7.0}, m["output"])

	rec, err := store.Graph(m["digest"].(string))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Builds)
}

func TestBuildRejections(t *testing.T) {
	client, _ := dial(t)
	ctx := context.Background()

	cases := map[string]struct {
		req  map[string]any
		want unet.Reason
	}{
		"arity":      {map[string]any{"shape": []any{256, 256}, "classes": 2}, unet.InvalidArity},
		"square":     {map[string]any{"height": 256, "width": 128, "channels": 3, "classes": 2}, unet.NonSquareInput},
		"channels":   {map[string]any{"shape": []any{256, 256, 0}, "classes": 2}, unet.InvalidChannelCount},
		"resolution": {map[string]any{"shape": []any{250, 250, 3}, "classes": 2}, unet.UnsupportedResolution},
		"transfer":   {map[string]any{"shape": []any{256, 256, 4}, "classes": 2, "variant": "transfer"}, unet.IncompatibleChannelCount},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := client.Build(ctx, request(t, tc.req))
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
			reason, ok := ReasonFromError(err)
			require.True(t, ok)
			assert.Equal(t, tc.want, reason)
		})
	}
}

func TestValidate(t *testing.T) {
	client, store := dial(t)
	ctx := context.Background()

	out, err := client.Validate(ctx, request(t, map[string]any{"shape": []any{64, 64, 3}, "classes": 2, "variant": "vgg19"}))
	require.NoError(t, err)
	assert.Equal(t, true, out.AsMap()["valid"])

	_, err = client.Validate(ctx, request(t, map[string]any{"shape": []any{64, 64, 3}, "classes": -1}))
	reason, ok := ReasonFromError(err)
	require.True(t, ok)
	assert.Equal(t, unet.InvalidClassCount, reason)

	graphs, err := store.RecentGraphs(10)
	require.NoError(t, err)
	assert.Empty(t, graphs)
}

func TestSubmitAndGetJob(t *testing.T) {
	client, _ := dial(t)
	ctx := context.Background()

	out, err := client.SubmitJob(ctx, request(t, map[string]any{"type": "build", "options": map[string]any{"height": 64}}))
	require.NoError(t, err)
	id, _ := out.AsMap()["id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		got, err := client.GetJob(ctx, request(t, map[string]any{"id": id}))
		if err != nil {
			return false
		}
		job, _ := got.AsMap()["job"].(map[string]any)
		return job["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	_, err = client.GetJob(ctx, request(t, map[string]any{"id": "missing"}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.SubmitJob(ctx, request(t, map[string]any{"type": "panoramic"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
