// Package graphfile loads work graphs from HCL files.
//
// A file holds one or more graph blocks, each with task blocks:
//
//	graph "etl" {
//	  task "extract" {
//	    action   = "sleep"
//	    duration = "50ms"
//	  }
//	  task "report" {
//	    action     = "write_file"
//	    path       = "${env.TMPDIR}/report.txt"
//	    content    = "done"
//	    depends_on = ["extract"]
//	  }
//	}
//
// Expressions can reference process environment variables as env.NAME.
package graphfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/log"
)

// Actions understood by task blocks.
const (
	ActionSleep     = "sleep"
	ActionLog       = "log"
	ActionWriteFile = "write_file"
	ActionReadFile  = "read_file"
	ActionFail      = "fail"
)

// ErrNoGraphs is returned for a file without any graph block.
var ErrNoGraphs = errors.New("no graph blocks found")

type fileSchema struct {
	Graphs []*graphBlock `hcl:"graph,block"`
}

type graphBlock struct {
	Name  string       `hcl:"name,label"`
	Tasks []*taskBlock `hcl:"task,block"`
}

type taskBlock struct {
	Name      string   `hcl:"name,label"`
	Action    string   `hcl:"action"`
	DependsOn []string `hcl:"depends_on,optional"`
	Duration  string   `hcl:"duration,optional"`
	Message   string   `hcl:"message,optional"`
	Path      string   `hcl:"path,optional"`
	Content   string   `hcl:"content,optional"`
}

// Load parses the HCL file at path.
func Load(path string) ([]*graph.Graph, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes HCL source. filename is only used in diagnostics.
func Parse(src []byte, filename string) ([]*graph.Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed fileSchema
	diags = gohcl.DecodeBody(file.Body, evalContext(), &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	if len(parsed.Graphs) == 0 {
		return nil, fmt.Errorf("%s: %w", filename, ErrNoGraphs)
	}

	graphs := make([]*graph.Graph, 0, len(parsed.Graphs))
	seen := make(map[string]bool, len(parsed.Graphs))
	for _, gb := range parsed.Graphs {
		if seen[gb.Name] {
			return nil, fmt.Errorf("%s: duplicate graph %q", filename, gb.Name)
		}
		seen[gb.Name] = true

		g, err := build(gb)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

func build(gb *graphBlock) (*graph.Graph, error) {
	g := graph.New(gb.Name)
	for _, tb := range gb.Tasks {
		fn, err := taskFunc(tb)
		if err != nil {
			return nil, fmt.Errorf("graph %q: task %q: %w", gb.Name, tb.Name, err)
		}
		if _, err := g.Add(tb.Name, fn); err != nil {
			return nil, fmt.Errorf("graph %q: %w", gb.Name, err)
		}
	}
	for _, tb := range gb.Tasks {
		for _, dep := range tb.DependsOn {
			if err := g.Precede(dep, tb.Name); err != nil {
				return nil, fmt.Errorf("graph %q: task %q: depends_on: %w", gb.Name, tb.Name, err)
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func taskFunc(tb *taskBlock) (graph.TaskFunc, error) {
	name := tb.Name
	switch tb.Action {
	case ActionSleep:
		d, err := time.ParseDuration(tb.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", tb.Duration, err)
		}
		return func(ctx context.Context) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, nil

	case ActionLog:
		msg := tb.Message
		return func(ctx context.Context) error {
			log.FromContext(ctx).Info(msg, "task", name)
			return nil
		}, nil

	case ActionWriteFile:
		if tb.Path == "" {
			return nil, errors.New("write_file requires path")
		}
		path, content := tb.Path, tb.Content
		return func(context.Context) error {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			return os.WriteFile(path, []byte(content), 0o644)
		}, nil

	case ActionReadFile:
		if tb.Path == "" {
			return nil, errors.New("read_file requires path")
		}
		path := tb.Path
		return func(ctx context.Context) error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			log.FromContext(ctx).Debug("read file", "task", name, "path", path, "bytes", len(data))
			return nil
		}, nil

	case ActionFail:
		msg := tb.Message
		if msg == "" {
			msg = "task failed"
		}
		return func(context.Context) error { return errors.New(msg) }, nil

	default:
		return nil, fmt.Errorf("unknown action %q", tb.Action)
	}
}

// evalContext exposes the process environment as the env object.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !hclsyntax.ValidIdentifier(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}
