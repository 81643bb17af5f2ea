package unet

import (
	"fmt"
	"strings"
)

// Reason classifies why a network could not be built. A Reason is itself an
// error so callers can test with errors.Is(err, unet.NonSquareInput).
type Reason int

const (
	InvalidArity Reason = iota + 1
	NonSquareInput
	InvalidChannelCount
	UnsupportedResolution
	IncompatibleChannelCount
	InvalidClassCount
	UnknownVariant
	// SkipResolutionMismatch means the graph wiring itself is wrong. It is never
	// caused by user input to the built-in variants.
	SkipResolutionMismatch
	// EncoderWiringFault means a feature extractor does not expose the layers it
	// names, or its own layers do not fit together.
	EncoderWiringFault
)

var reasonNames = map[Reason]string{
	InvalidArity:             "InvalidArity",
	NonSquareInput:           "NonSquareInput",
	InvalidChannelCount:      "InvalidChannelCount",
	UnsupportedResolution:    "UnsupportedResolution",
	IncompatibleChannelCount: "IncompatibleChannelCount",
	InvalidClassCount:        "InvalidClassCount",
	UnknownVariant:           "UnknownVariant",
	SkipResolutionMismatch:   "SkipResolutionMismatch",
	EncoderWiringFault:       "EncoderWiringFault",
}

var reasonMessages = map[Reason]string{
	InvalidArity:             "input shape must be height, width and number of channels",
	NonSquareInput:           "input width and height must be equal",
	InvalidChannelCount:      "number of bands must be a positive integer",
	UnsupportedResolution:    "input width and height must be a multiple of 16 (e.g. 64, 128, 256, 384)",
	IncompatibleChannelCount: "pre-trained encoder was trained on 3-channel imagery",
	InvalidClassCount:        "number of classes must be a positive integer",
	UnknownVariant:           "unknown architecture variant",
	SkipResolutionMismatch:   "skip connection resolution does not match the upsampled decoder input",
	EncoderWiringFault:       "pre-trained encoder graph is inconsistent",
}

// String returns the reason name, e.g. "NonSquareInput".
func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

func (r Reason) Error() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return r.String()
}

// ParseReason maps a reason name back to its value.
func ParseReason(s string) (Reason, bool) {
	for r, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return r, true
		}
	}
	return 0, false
}

// ValidationError is returned when an architecture cannot be built.
type ValidationError struct {
	Reason Reason
	Shape  []int
	Detail string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("unet: %s: %s", e.Reason.String(), e.Reason.Error())
	if e.Shape != nil {
		msg += fmt.Sprintf(" (shape %v)", e.Shape)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// Fatal reports whether the failure is a wiring bug rather than bad input.
func (e *ValidationError) Fatal() bool {
	return e.Reason == SkipResolutionMismatch || e.Reason == EncoderWiringFault
}

func invalid(r Reason, shape []int) *ValidationError {
	return &ValidationError{Reason: r, Shape: append([]int(nil), shape...)}
}
