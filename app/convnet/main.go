// Command convnet builds a ResNet or ResNeXt graph and its learning-rate
// schedule from a JSON config, prints a summary and writes the requested
// artifacts.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tsawler/convnets/checkpoints"
	"github.com/tsawler/convnets/layers"
	"github.com/tsawler/convnets/models"
	"github.com/tsawler/convnets/training"
)

var (
	configPath = flag.String("config", "", "JSON config with network and schedule sections")
	archName   = flag.String("arch", "resnet", "Architecture when the config does not name one: resnet, resnext")
	jsonOut    = flag.String("json", "", "Write the model and schedule checkpoint (JSON)")
	onnxOut    = flag.String("onnx", "", "Export the architecture (ONNX)")
	plotOut    = flag.String("plot", "", "Render the learning-rate schedule (SVG)")
	plotJSON   = flag.String("plotdata", "", "Write the sampled schedule as plot JSON")
	steps      = flag.Int("steps", 0, "Schedule horizon in steps (default 100 epochs)")
	every      = flag.Int("every", 0, "Sampling interval in steps (default one epoch)")
	atStep     = flag.Int("step", 0, "Step recorded in the checkpoint schedule state")
	verbose    = flag.Bool("verbose", false, "Print the layer-by-layer architecture")
)

func main() {
	flag.Parse()

	arch, err := models.ParseArchitecture(*archName)
	if err != nil {
		log.Fatalf("Invalid -arch: %v", err)
	}
	cfg, err := LoadConfig(*configPath, arch)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	model, err := models.Build(cfg.Network)
	if err != nil {
		log.Fatalf("Failed to build %s: %v", cfg.Network.Architecture, err)
	}
	log.Printf("Built %s: %d layers, %.2fM parameters, input %v, output %v",
		model.Name, len(model.Layers), model.ParameterMillions(),
		model.InputShape, model.OutputShape)

	schedule, err := cfg.Schedule.Build()
	if err != nil {
		log.Fatalf("Failed to build schedule: %v", err)
	}
	spe, err := cfg.Schedule.StepsPerEpoch()
	if err != nil {
		log.Fatalf("Invalid schedule: %v", err)
	}

	horizon := *steps
	if horizon <= 0 {
		horizon = 100 * spe
	}
	interval := *every
	if interval <= 0 {
		interval = spe
	}

	points := training.SampleSchedule(schedule, horizon, interval)
	stats, err := training.ScheduleStats(points)
	if err != nil {
		log.Fatalf("Failed to sample schedule: %v", err)
	}
	log.Printf("Schedule %s: %d steps/epoch, peak %.6g at step %d, final %.6g at step %d",
		schedule.GetName(), spe, stats.Max, stats.PeakStep, stats.Final, horizon)

	if *verbose {
		layers.NewArchitecturePrinter(os.Stdout).Print(model)
		fmt.Println()
		fmt.Print(model.Summary())
	}

	if *jsonOut != "" {
		state, err := checkpoints.NewScheduleState(cfg.Schedule, *atStep)
		if err != nil {
			log.Fatalf("Failed to record schedule state: %v", err)
		}
		checkpoint := &checkpoints.Checkpoint{
			ModelSpec: model,
			Schedule:  state,
			Metadata: checkpoints.CheckpointMetadata{
				Description: fmt.Sprintf("%s for %d classes", model.Name, cfg.Network.Classes),
				Tags:        []string{cfg.Network.Architecture.String(), cfg.Network.Dataset},
			},
		}
		if err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).SaveCheckpoint(checkpoint, *jsonOut); err != nil {
			log.Fatalf("Failed to save checkpoint: %v", err)
		}
		log.Printf("Wrote checkpoint to %s", *jsonOut)
	}

	if *onnxOut != "" {
		if err := checkpoints.NewONNXExporter().Save(model, *onnxOut); err != nil {
			log.Fatalf("Failed to export ONNX: %v", err)
		}
		log.Printf("Wrote ONNX graph to %s", *onnxOut)
	}

	if *plotOut != "" {
		f, err := os.Create(*plotOut)
		if err != nil {
			log.Fatalf("Failed to create plot file: %v", err)
		}
		if err := training.RenderSchedulePlot(f, schedule, horizon, interval, 800, 400); err != nil {
			f.Close()
			log.Fatalf("Failed to render plot: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("Failed to write plot: %v", err)
		}
		log.Printf("Wrote schedule plot to %s", *plotOut)
	}

	if *plotJSON != "" {
		data, err := training.LearningRatePlotData(schedule, horizon, interval, model.Name).ToJSON()
		if err != nil {
			log.Fatalf("Failed to encode plot data: %v", err)
		}
		if err := os.WriteFile(*plotJSON, []byte(data), 0644); err != nil {
			log.Fatalf("Failed to write plot data: %v", err)
		}
		log.Printf("Wrote plot data to %s", *plotJSON)
	}
}
