package training

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgsvg"
)

// PlotType identifies the kind of plot described by PlotData
type PlotType string

const (
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is the JSON form of a plot consumed by external plotting tools
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData is a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one sample of a series
type DataPoint struct {
	X interface{} `json:"x"`
	Y interface{} `json:"y"`
}

// PlotConfig contains axis and canvas settings
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// SchedulePoint is the learning rate at one step
type SchedulePoint struct {
	Step int     `json:"step"`
	LR   float64 `json:"lr"`
}

// CurveStats summarizes a sampled schedule
type CurveStats struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Final    float64 `json:"final"`
	PeakStep int     `json:"peak_step"`
}

// SampleSchedule evaluates s at steps 0, every, 2*every, ... up to and
// including totalSteps. The final step is always sampled.
func SampleSchedule(s LRSchedule, totalSteps, every int) []SchedulePoint {
	if totalSteps < 0 {
		return nil
	}
	if every <= 0 {
		every = 1
	}
	points := make([]SchedulePoint, 0, totalSteps/every+2)
	for step := 0; step <= totalSteps; step += every {
		points = append(points, SchedulePoint{Step: step, LR: s.LearningRate(step)})
	}
	if last := points[len(points)-1].Step; last != totalSteps {
		points = append(points, SchedulePoint{Step: totalSteps, LR: s.LearningRate(totalSteps)})
	}
	return points
}

func rates(points []SchedulePoint) []float64 {
	lr := make([]float64, len(points))
	for i, p := range points {
		lr[i] = p.LR
	}
	return lr
}

// ScheduleStats returns the extremes of a sampled curve
func ScheduleStats(points []SchedulePoint) (CurveStats, error) {
	if len(points) == 0 {
		return CurveStats{}, errors.New("no schedule points")
	}
	lr := rates(points)
	return CurveStats{
		Min:      floats.Min(lr),
		Max:      floats.Max(lr),
		Final:    lr[len(lr)-1],
		PeakStep: points[floats.MaxIdx(lr)].Step,
	}, nil
}

// LearningRatePlotData samples s and packages it as plot JSON
func LearningRatePlotData(s LRSchedule, totalSteps, every int, modelName string) PlotData {
	points := SampleSchedule(s, totalSteps, every)
	series := []SeriesData{
		{
			Name: "Learning Rate",
			Type: "line",
			Data: make([]DataPoint, len(points)),
			Style: map[string]interface{}{
				"color":      "#6C5CE7",
				"line_width": 2,
			},
		},
	}
	for i, p := range points {
		series[0].Data[i] = DataPoint{X: p.Step, Y: p.LR}
	}

	pd := PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Step",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
	if stats, err := ScheduleStats(points); err == nil {
		pd.Metrics = map[string]interface{}{
			"schedule":  s.GetName(),
			"min_lr":    stats.Min,
			"max_lr":    stats.Max,
			"final_lr":  stats.Final,
			"peak_step": stats.PeakStep,
		}
	}
	return pd
}

// ToJSON converts plot data to JSON
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.Marshal(pd)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data")
	}
	return string(data), nil
}

// svgDPI converts pixel sizes to points for the SVG canvas
const svgDPI = 96

// svgSize converts a pixel count to canvas points
func svgSize(px int) vg.Length {
	return vg.Length(px) * vg.Inch / svgDPI
}

// RenderSchedulePlot draws the sampled schedule as an SVG of the given
// pixel size
func RenderSchedulePlot(w io.Writer, s LRSchedule, totalSteps, every, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("plot size must be positive, got %dx%d", width, height)
	}
	points := SampleSchedule(s, totalSteps, every)
	if len(points) == 0 {
		return errors.Errorf("nothing to plot for %d steps", totalSteps)
	}

	p := plot.New()
	p.Title.Text = s.GetName()
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Learning Rate"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(points))
	for i, pt := range points {
		pts[i].X = float64(pt.Step)
		pts[i].Y = pt.LR
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "failed to build schedule line")
	}
	line.Width = 2
	line.Color = plotutil.Color(0)
	p.Add(line)
	p.Legend.Add("learning rate", line)
	p.Legend.Top = true

	canvas := vgsvg.New(svgSize(width), svgSize(height))
	p.Draw(draw.New(canvas))
	if _, err := canvas.WriteTo(w); err != nil {
		return errors.Wrap(err, "failed to write svg")
	}
	return nil
}
