package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply burrow resources from a YAML file.

Documents are applied in order. A pipe that does not exist is created
(and started when its status is running); an existing pipe with the same
definition is only started or stopped to match. Definitions are
immutable: changing one requires dropping the pipe first.

Examples:
  # Apply a pipe definition
  burrow apply -f orders.yaml

  # Apply several pipes separated by ---
  burrow apply -f pipes.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().Duration("timeout", time.Minute, "How long to wait for each procedure")
	_ = applyCmd.MarkFlagRequired("file")
}

// Resource is one document of an apply file
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       PipeSpec         `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

type PipeSpec struct {
	Status    types.PipeStatus  `yaml:"status"`
	Extractor map[string]string `yaml:"extractor"`
	Processor map[string]string `yaml:"processor"`
	Connector map[string]string `yaml:"connector"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	resources, err := parseResources(data)
	if err != nil {
		return err
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, res := range resources {
		if err := applyPipe(cmd.Context(), c, res, timeout); err != nil {
			return fmt.Errorf("pipe %s: %w", res.Metadata.Name, err)
		}
	}
	return nil
}

func parseResources(data []byte) ([]Resource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []Resource
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if res.Kind == "" && res.Metadata.Name == "" {
			continue
		}
		if res.Kind != "Pipe" {
			return nil, fmt.Errorf("unsupported resource kind: %q", res.Kind)
		}
		if res.Metadata.Name == "" {
			return nil, errors.New("pipe without metadata.name")
		}
		switch res.Spec.Status {
		case "", types.PipeStatusRunning, types.PipeStatusStopped:
		default:
			return nil, fmt.Errorf("pipe %s: status must be running or stopped", res.Metadata.Name)
		}
		out = append(out, res)
	}
	return out, nil
}

func (r Resource) pipe() *types.Pipe {
	return &types.Pipe{
		Name:      r.Metadata.Name,
		Extractor: r.Spec.Extractor,
		Processor: r.Spec.Processor,
		Connector: r.Spec.Connector,
	}
}

func applyPipe(ctx context.Context, c *client.Client, res Resource, timeout time.Duration) error {
	desired := res.pipe()

	existing, err := c.GetPipe(ctx, desired.Name)
	switch {
	case errors.Is(err, types.ErrNotFound):
		fmt.Printf("Creating pipe: %s\n", desired.Name)
		id, err := c.CreatePipe(ctx, desired)
		if err != nil {
			return err
		}
		if err := await(ctx, c, id, timeout); err != nil {
			return err
		}
		existing = &types.Pipe{Name: desired.Name, Status: types.PipeStatusStopped}
	case err != nil:
		return err
	case !existing.SameDefinition(desired):
		return errors.New("definition differs from the committed pipe; drop it first")
	}

	want := res.Spec.Status
	if want == "" || want == existing.Status {
		fmt.Printf("✓ Pipe %s is %s\n", desired.Name, existing.Status)
		return nil
	}

	var id uint64
	if want == types.PipeStatusRunning {
		fmt.Printf("Starting pipe: %s\n", desired.Name)
		id, err = c.StartPipe(ctx, desired.Name)
	} else {
		fmt.Printf("Stopping pipe: %s\n", desired.Name)
		id, err = c.StopPipe(ctx, desired.Name)
	}
	if err != nil {
		return err
	}
	if err := await(ctx, c, id, timeout); err != nil {
		return err
	}
	fmt.Printf("✓ Pipe %s is %s\n", desired.Name, want)
	return nil
}

func await(ctx context.Context, c *client.Client, id uint64, timeout time.Duration) error {
	out, err := c.WaitProcedure(ctx, id, timeout)
	if err != nil {
		return err
	}
	return reportOutcome(id, out)
}
