package cmd

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/statetree/statetree/internal/node"
	"github.com/statetree/statetree/internal/registry"
	"github.com/statetree/statetree/internal/scheduler"
	"github.com/statetree/statetree/internal/traits"
	"github.com/statetree/statetree/internal/tui"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a live demo graph in the inspector",
	Long: `Build a small reactive graph and open the interactive inspector on it.

The graph holds a sensor node whose reading is driven by a periodic task,
a gauge node mirroring the reading through a one-way link, and a
sample tuple the sensor appends to. Watch the values move; press q to
quit.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

// sensor is the demo's root node type.
type sensor struct {
	node.Node
}

func runDemo(cmd *cobra.Command, args []string) error {
	home := registry.NewHome("demo")
	sched := scheduler.New(nil)
	defer sched.Close()

	root, err := node.Singleton(home, registry.NewKey("demo", "sensor"), func() *sensor {
		s := &sensor{}
		s.Init(s, node.Spec{Home: home, Key: registry.NewKey("demo", "sensor"), Scheduler: sched})
		return s
	})
	if err != nil {
		return fmt.Errorf("failed to build demo sensor: %w", err)
	}
	defer func() { _ = root.Close(true) }()

	if err := root.DefineAttr("reading", node.AttrOptions{Default: 0.0, CoerceKind: true}); err != nil {
		return err
	}
	if err := root.DefineAttr("unit", node.AttrOptions{Default: "V"}); err != nil {
		return err
	}

	gauge := &sensor{}
	gauge.Init(gauge, node.Spec{Home: home, Scheduler: sched})
	if err := gauge.DefineAttr("reading", node.AttrOptions{Default: 0.0, CoerceKind: true}); err != nil {
		return err
	}

	if _, err := root.DefineSlot("gauge", node.SlotOptions{ParentOnSet: true, CloseOnReplace: true}); err != nil {
		return err
	}
	if err := root.Set("gauge", gauge); err != nil {
		return err
	}

	if _, err := root.DefineTuple("samples", false, node.TupleOptions{}); err != nil {
		return err
	}

	if _, err := root.DlinkKeyed("mirror",
		node.Target{Object: root, Path: "reading"},
		node.Target{Object: gauge, Path: "reading"},
		node.Transform{}); err != nil {
		return err
	}

	if _, err := traits.New(root.AsNode(), []string{"reading", "unit"}, nil); err != nil {
		return err
	}

	start := time.Now()
	if _, err := sched.Periodic(scheduler.Options{
		Key:   "demo.drive",
		Owner: root.AsNode(),
	}, 250*time.Millisecond, func(ctx context.Context) error {
		v := math.Sin(time.Since(start).Seconds()) * 5
		if err := root.Set("reading", v); err != nil {
			return err
		}
		samples, _ := root.Get("samples")
		prev, _ := samples.([]any)
		if len(prev) >= 8 {
			prev = prev[1:]
		}
		return root.Set("samples", append(prev, fmt.Sprintf("%.2f", v)))
	}); err != nil {
		return err
	}

	return tui.Run(root.AsNode())
}
