package models

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/convnets/layers"
)

// Architecture names a network family
type Architecture int

const (
	ResNet Architecture = iota
	ResNeXt
)

func (a Architecture) String() string {
	switch a {
	case ResNet:
		return "resnet"
	case ResNeXt:
		return "resnext"
	default:
		return "unknown"
	}
}

// ParseArchitecture accepts "resnet" or "resnext", case-insensitively
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(s) {
	case "resnet":
		return ResNet, nil
	case "resnext":
		return ResNeXt, nil
	}
	return 0, errors.Errorf("unknown architecture %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (a Architecture) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Architecture) UnmarshalText(text []byte) error {
	parsed, err := ParseArchitecture(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Config selects a family and carries the hyperparameters of both. Fields
// that do not apply to the selected family are ignored.
type Config struct {
	Architecture Architecture `json:"architecture"`

	Width   int `json:"width"`
	Height  int `json:"height"`
	Depth   int `json:"depth"`
	Classes int `json:"classes"`

	// ResNet: blocks per stage. ResNeXt: the four repeat counts.
	Stages []int `json:"stages"`
	// ResNet only
	Filters []int `json:"filters,omitempty"`
	// ResNeXt only
	Cardinality int `json:"cardinality,omitempty"`

	// Zero BNEps or BNMomentum selects the family default
	Reg        float64 `json:"reg"`
	BNEps      float64 `json:"bn_eps"`
	BNMomentum float64 `json:"bn_momentum"`

	Dataset    string `json:"dataset,omitempty"`
	DataFormat string `json:"data_format,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	// ResNeXt only. ResNet batch norms follow the runtime learning phase,
	// so ResNet rejects anything but auto.
	Mode layers.TrainingMode `json:"mode"`
}

// DefaultConfig returns the CIFAR-10 ResNet or the 10-class ResNeXt-50
func DefaultConfig(arch Architecture) Config {
	if arch == ResNeXt {
		c := ResNeXt50Config(10)
		return Config{
			Architecture: ResNeXt,
			Width:        c.Width,
			Height:       c.Height,
			Depth:        c.Depth,
			Classes:      c.Classes,
			Stages:       c.RepeatNums,
			Cardinality:  c.Cardinality,
			Reg:          c.Reg,
			BNEps:        c.BNEps,
			BNMomentum:   c.BNMomentum,
			DataFormat:   string(c.Format),
		}
	}
	c := ResNetCIFAR()
	return Config{
		Architecture: ResNet,
		Width:        c.Width,
		Height:       c.Height,
		Depth:        c.Depth,
		Classes:      c.Classes,
		Stages:       c.Stages,
		Filters:      c.Filters,
		Reg:          c.Reg,
		BNEps:        c.BNEps,
		BNMomentum:   c.BNMomentum,
		Dataset:      c.Dataset,
		DataFormat:   string(c.Format),
	}
}

// ResNetConfig projects the shared config onto the ResNet builder
func (c Config) ResNetConfig() (ResNetConfig, error) {
	if c.Mode != layers.ModeAuto {
		return ResNetConfig{}, errors.Errorf("resnet does not take a training mode, got %s", c.Mode)
	}
	format, err := layers.ParseDataFormat(c.DataFormat)
	if err != nil {
		return ResNetConfig{}, err
	}
	return ResNetConfig{
		Width:      c.Width,
		Height:     c.Height,
		Depth:      c.Depth,
		Classes:    c.Classes,
		Stages:     c.Stages,
		Filters:    c.Filters,
		Reg:        c.Reg,
		BNEps:      c.BNEps,
		BNMomentum: c.BNMomentum,
		Dataset:    c.Dataset,
		Format:     format,
		BatchSize:  c.BatchSize,
	}, nil
}

// ResNeXtConfig projects the shared config onto the ResNeXt builder
func (c Config) ResNeXtConfig() (ResNeXtConfig, error) {
	format, err := layers.ParseDataFormat(c.DataFormat)
	if err != nil {
		return ResNeXtConfig{}, err
	}
	return ResNeXtConfig{
		Width:       c.Width,
		Height:      c.Height,
		Depth:       c.Depth,
		Classes:     c.Classes,
		RepeatNums:  c.Stages,
		Cardinality: c.Cardinality,
		Reg:         c.Reg,
		BNEps:       c.BNEps,
		BNMomentum:  c.BNMomentum,
		Dataset:     c.Dataset,
		Format:      format,
		BatchSize:   c.BatchSize,
		Mode:        c.Mode,
	}, nil
}

// Build dispatches to the builder of the selected family
func Build(c Config) (*layers.ModelSpec, error) {
	switch c.Architecture {
	case ResNet:
		rc, err := c.ResNetConfig()
		if err != nil {
			return nil, err
		}
		return BuildResNet(rc)
	case ResNeXt:
		xc, err := c.ResNeXtConfig()
		if err != nil {
			return nil, err
		}
		return BuildResNeXt(xc)
	}
	return nil, errors.Errorf("unsupported architecture %d", int(c.Architecture))
}
