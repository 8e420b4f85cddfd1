// Package pipeline runs a configured fusion module end to end: weights,
// inputs, forward pass, output bundle and the run ledger.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ptfusion/internal/config"
	"github.com/banshee-data/ptfusion/internal/fsutil"
	"github.com/banshee-data/ptfusion/internal/fusion"
	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/pcdio"
	"github.com/banshee-data/ptfusion/internal/pointops"
	"github.com/banshee-data/ptfusion/internal/pointtransformer"
	"github.com/banshee-data/ptfusion/internal/storage/sqlite"
	"github.com/banshee-data/ptfusion/internal/tensor"
	"github.com/banshee-data/ptfusion/internal/timeutil"
	"github.com/banshee-data/ptfusion/internal/weights"
)

// Ledger records finished runs.
type Ledger interface {
	Insert(ctx context.Context, run *sqlite.Run) error
}

// Runner owns one built fusion module and runs it over input bundles.
type Runner struct {
	cfg    *config.FusionConfig
	module fusion.Module
	fsys   fsutil.FileSystem
	clock  timeutil.Clock
	ledger Ledger
	newID  func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithFileSystem reads and writes through fsys instead of the OS.
func WithFileSystem(fsys fsutil.FileSystem) Option { return func(r *Runner) { r.fsys = fsys } }

// WithClock times runs with c.
func WithClock(c timeutil.Clock) Option { return func(r *Runner) { r.clock = c } }

// WithLedger records every run in l.
func WithLedger(l Ledger) Option { return func(r *Runner) { r.ledger = l } }

// WithIDs replaces the run ID generator.
func WithIDs(f func() string) Option { return func(r *Runner) { r.newID = f } }

// New validates cfg, builds the module and fills its parameters, either
// from the configured weights file or from the seeded initialiser.
func New(cfg *config.FusionConfig, opts ...Option) (*Runner, error) {
	if cfg == nil {
		cfg = config.EmptyFusionConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:   cfg,
		fsys:  fsutil.OSFileSystem{},
		clock: timeutil.RealClock{},
		newID: func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(r)
	}

	m, err := fusion.New(cfg.Options())
	if err != nil {
		return nil, err
	}
	r.module = m
	if err := r.loadWeights(); err != nil {
		return nil, err
	}
	if cfg.GetBatchNormMode() == config.BatchNormBatch {
		n := nn.SetBatchStats(m, true)
		diagf("%d batch norm layers use input statistics", n)
	}
	return r, nil
}

// Module returns the built module.
func (r *Runner) Module() fusion.Module { return r.module }

func (r *Runner) loadWeights() error {
	path := r.cfg.GetWeights()
	if path == "" {
		seed := r.cfg.GetSeed()
		r.module.Init(nn.NewSource(uint64(seed)))
		diagf("initialised %s/%s from seed %d", r.module.Kind(), r.module.Mode(), seed)
		return nil
	}

	src, err := weights.Open(r.fsys, path)
	if err != nil {
		return err
	}
	if prefix := r.cfg.GetWeightPrefix(); prefix != "" {
		src = weights.WithPrefix(src, prefix)
	}
	used, err := weights.LoadModule(r.module, src, "")
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if unused := weights.Unused(src, used); len(unused) > 0 {
		opsf("%d tensors in %s were not used: %v", len(unused), path, unused)
	}
	diagf("loaded %d tensors from %s", len(used), path)
	return nil
}

// Request names the files of one run. Points and PCDOutput are optional.
type Request struct {
	Input     string // input bundle (.safetensors or .pcd)
	Points    string // PCD whose coordinates replace the bundle's xyz
	Output    string // output bundle (.safetensors)
	PCDOutput string // coordinates with norm and entropy fields
}

// Result is the outcome of a successful run.
type Result struct {
	Run     *sqlite.Run
	Inputs  *Inputs
	Output  *tensor.Matrix
	Norms   []float64
	Entropy []float64 // nil when the module computed no local attention
}

// Run executes req. Failed runs are recorded with status "error" when a
// ledger is configured.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	run := r.newRun(req)
	res, err := r.run(ctx, req, run)
	if err != nil {
		run.Status = sqlite.StatusError
		run.Error = err.Error()
		opsf("run %s failed: %v", run.RunID, err)
	}
	if r.ledger != nil {
		if lerr := r.ledger.Insert(context.WithoutCancel(ctx), run); lerr != nil {
			err = errors.Join(err, fmt.Errorf("record run: %w", lerr))
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) newRun(req Request) *sqlite.Run {
	run := &sqlite.Run{
		RunID:       r.newID(),
		CreatedAt:   r.clock.Now().UnixNano(),
		Kind:        r.module.Kind(),
		Mode:        r.module.Mode(),
		Status:      sqlite.StatusOK,
		WeightsPath: r.cfg.GetWeights(),
		InputPath:   req.Input,
		OutputPath:  req.Output,
		OutChannels: r.module.OutChannels(),
	}
	if b, err := json.Marshal(r.cfg); err == nil {
		run.ConfigJSON = b
	}
	return run
}

func (r *Runner) run(ctx context.Context, req Request, run *sqlite.Run) (*Result, error) {
	in, err := ReadInputs(r.fsys, req.Input)
	if err != nil {
		return nil, err
	}
	if req.Points != "" {
		if in.XYZ, err = r.readPoints(req.Points); err != nil {
			return nil, err
		}
	}
	run.Points = in.Points()
	run.Segments = segments(in.XYZ)
	if in.Main != nil {
		run.InMain = in.Main.Cols()
	}
	if in.Mod != nil {
		run.InMod = in.Mod.Cols()
	}

	if d := r.cfg.GetTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := r.clock.Now()
	y, att, err := r.forward(ctx, in)
	elapsed := r.clock.Since(start)
	run.DurationNS = int64(elapsed)
	if err != nil {
		return nil, fmt.Errorf("%s forward: %w", r.module.Kind(), err)
	}
	if y == nil {
		return nil, ErrNoFeatures
	}
	run.OutChannels = y.Cols()
	diagf("run %s: %s/%s fused %d points into %d channels in %s",
		run.RunID, run.Kind, run.Mode, y.Rows(), y.Cols(), elapsed.Round(time.Microsecond))

	res := &Result{Run: run, Inputs: in, Output: y, Norms: y.RowNorms()}
	s := Summarise(res.Norms)
	run.NormMean, run.NormStdDev, run.NormP50, run.NormP95, run.NormMax = s.Mean, s.StdDev, s.P50, s.P95, s.Max
	if att != nil {
		res.Entropy = att.Entropy()
		mean := Summarise(res.Entropy).Mean
		run.EntropyMean = &mean
	}

	if req.Output != "" {
		if err := r.writeOutput(req.Output, run, res); err != nil {
			return nil, err
		}
	}
	if req.PCDOutput != "" {
		if err := r.writePCD(req.PCDOutput, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *Runner) forward(ctx context.Context, in *Inputs) (*tensor.Matrix, *pointtransformer.Attention, error) {
	if a, ok := r.module.(fusion.Attentive); ok {
		return a.ForwardWithAttention(ctx, in.Main, in.Mod, in.XYZ)
	}
	y, err := r.module.Forward(ctx, in.Main, in.Mod, in.XYZ)
	return y, nil, err
}

func (r *Runner) readPoints(path string) (*tensor.Matrix, error) {
	f, err := r.fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	xyz, err := pcdio.Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return xyz, nil
}

func (r *Runner) writeOutput(path string, run *sqlite.Run, res *Result) error {
	src := weights.MapSource{
		TensorFused: fromMatrix(res.Output),
		TensorNorm:  fromVector(res.Norms),
	}
	if res.Entropy != nil {
		src[TensorEntropy] = fromVector(res.Entropy)
	}
	meta := map[string]string{
		"run_id": run.RunID,
		"kind":   run.Kind,
		"mode":   run.Mode,
	}
	var buf bytes.Buffer
	if err := weights.WriteSafetensors(&buf, src, r.cfg.GetOutputDType(), meta); err != nil {
		return err
	}
	if err := r.writeFile(path, buf.Bytes()); err != nil {
		return err
	}
	tracef("wrote %s (%d bytes)", path, buf.Len())
	return nil
}

func (r *Runner) writePCD(path string, res *Result) error {
	if res.Inputs.XYZ == nil {
		return fmt.Errorf("write %s: input has no coordinates", path)
	}
	fields := []pcdio.Field{{Name: TensorNorm, Values: res.Norms}}
	if res.Entropy != nil {
		fields = append(fields, pcdio.Field{Name: "entropy", Values: res.Entropy})
	}
	var buf bytes.Buffer
	if err := pcdio.Write(&buf, res.Inputs.XYZ, fields...); err != nil {
		return err
	}
	return r.writeFile(path, buf.Bytes())
}

func (r *Runner) writeFile(path string, data []byte) error {
	if err := r.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := fsutil.WriteFileAtomic(r.fsys, path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func segments(xyz *tensor.Matrix) int {
	if xyz == nil || xyz.Rows() == 0 {
		return 0
	}
	offsets, err := pointops.OffsetsFromXYZ(xyz)
	if err != nil {
		return 1
	}
	return len(offsets)
}
