package layers

import (
	"github.com/pkg/errors"
)

// DataFormat is the tensor layout convention of the runtime that will
// materialize the graph. It is an explicit build parameter.
type DataFormat string

const (
	// ChannelsLast lays images out as [batch, height, width, channels]
	ChannelsLast DataFormat = "channels_last"
	// ChannelsFirst lays images out as [batch, channels, height, width]
	ChannelsFirst DataFormat = "channels_first"
)

// ParseDataFormat accepts "channels_last", "channels_first" or the empty
// string, which selects ChannelsLast.
func ParseDataFormat(s string) (DataFormat, error) {
	switch DataFormat(s) {
	case "", ChannelsLast:
		return ChannelsLast, nil
	case ChannelsFirst:
		return ChannelsFirst, nil
	}
	return "", errors.Errorf("unknown data format %q", s)
}

// ChannelAxis returns the axis index normalization layers operate on:
// 1 for channels-first, -1 for channels-last.
func (f DataFormat) ChannelAxis() int {
	if f == ChannelsFirst {
		return 1
	}
	return -1
}

// Shape lays out an image tensor shape in this format
func (f DataFormat) Shape(batch, height, width, channels int) []int {
	if f == ChannelsFirst {
		return []int{batch, channels, height, width}
	}
	return []int{batch, height, width, channels}
}

// Dims splits a rank-4 image shape into its spatial and channel sizes
func (f DataFormat) Dims(shape []int) (height, width, channels int, err error) {
	if len(shape) != 4 {
		return 0, 0, 0, errors.Errorf("expected rank-4 image tensor, got shape %v", shape)
	}
	if f == ChannelsFirst {
		return shape[2], shape[3], shape[1], nil
	}
	return shape[1], shape[2], shape[3], nil
}

// resolveAxis maps a possibly negative axis onto [0, rank)
func resolveAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, errors.Errorf("axis out of range for rank %d", rank)
	}
	return axis, nil
}
