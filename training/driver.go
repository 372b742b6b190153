package training

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tsawler/meshgan/checkpoints"
	"github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/gan"
	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/tensor"
)

// State is the driver's coarse progress phase, exposed for status
// reporting.
type State int

const (
	Idle State = iota
	Running
	Checkpointing
	Evaluating
	Interrupted
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Checkpointing:
		return "checkpointing"
	case Evaluating:
		return "evaluating"
	case Interrupted:
		return "interrupted"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// StepKind says whether an iteration trains the generator or the
// discriminator.
type StepKind int

const (
	GeneratorUpdate StepKind = iota
	DiscriminatorUpdate
)

// ScheduleKind returns the step kind for a global iteration counter
// under the configured discriminator-steps-per-generator-step ratio.
func ScheduleKind(iteration, dStepsPerG int) StepKind {
	if iteration%(1+dStepsPerG) == 0 {
		return GeneratorUpdate
	}
	return DiscriminatorUpdate
}

// EvalFunc computes the FID of the current running-average generator.
// visIndices selects the samples to visualize alongside the metric; a
// fast evaluation skips the expensive extras.
type EvalFunc func(visIndices *tensor.Tensor, fast bool) (float64, error)

// Driver runs the training loop: alternating generator/discriminator
// steps, the running-average update, learning-rate decay, and the
// checkpoint and evaluation cadence. Interrupts are honored at loop
// boundaries so a checkpoint written on exit is always consistent.
type Driver struct {
	session   *Session
	engine    *gan.Engine
	tracker   *gan.Tracker
	resolver  *gan.Resolver
	loader    *data.DataLoader
	manager   *checkpoints.Manager
	template  model.MeshTemplate
	scheduler LRScheduler
	evaluate  EvalFunc

	interrupt     chan struct{}
	interruptOnce sync.Once

	mutex sync.RWMutex
	state State
}

// NewDriver assembles a training driver. The evaluate hook may be nil
// to disable periodic FID evaluation; the mesh template may be nil in
// texture-only mode.
func NewDriver(session *Session, engine *gan.Engine, loader *data.DataLoader, manager *checkpoints.Manager, template model.MeshTemplate, evaluate EvalFunc) (*Driver, error) {
	if session.TrainingDisabled {
		return nil, fmt.Errorf("session was restored from a weights-only checkpoint and cannot train")
	}
	if session.OptimizerG == nil || session.OptimizerD == nil {
		return nil, fmt.Errorf("session has no optimizers; it was created for evaluation")
	}
	resolver, err := gan.NewResolver(session.Config)
	if err != nil {
		return nil, err
	}
	if session.Config.UseMesh() && template == nil {
		return nil, fmt.Errorf("mesh training requires a mesh template")
	}
	var scheduler LRScheduler = &ConstantLR{}
	if session.Config.LrDecayAfter < session.Config.Epochs {
		scheduler = NewLinearDecayLR(session.Config.LrDecayAfter, session.Config.Epochs)
	}
	return &Driver{
		session:   session,
		engine:    engine,
		tracker:   gan.NewTracker(session.Config.GRunningAvgAlpha),
		resolver:  resolver,
		loader:    loader,
		manager:   manager,
		template:  template,
		scheduler: scheduler,
		evaluate:  evaluate,
		interrupt: make(chan struct{}),
	}, nil
}

// Interrupt requests an orderly shutdown. The current iteration
// finishes, a final rolling checkpoint is written, and Run returns.
// Safe to call more than once and from any goroutine.
func (d *Driver) Interrupt() {
	d.interruptOnce.Do(func() { close(d.interrupt) })
}

func (d *Driver) interrupted() bool {
	select {
	case <-d.interrupt:
		return true
	default:
		return false
	}
}

// State returns the driver's current phase.
func (d *Driver) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mutex.Lock()
	d.state = s
	d.mutex.Unlock()
}

// Run trains until the epoch budget is exhausted or an interrupt is
// received. In both cases the rolling checkpoint is written before
// returning, so the run can be resumed with continue_train.
func (d *Driver) Run() error {
	cfg := d.session.Config
	log := d.session.Log

	// The mesh contract is checked once up front rather than per batch.
	if cfg.UseMesh() {
		sample, err := d.loader.Next()
		if err != nil {
			return fmt.Errorf("failed to probe the dataset: %v", err)
		}
		if !sample.Has(data.KeyMesh) {
			return fmt.Errorf("mesh training requires %q in every batch; set texture_only to train without meshes", data.KeyMesh)
		}
		d.loader.Reset()
	}

	d.setState(Running)
	log.Infof("Training %s from epoch %d to %d (%d iterations so far)",
		cfg.Name, d.session.Epoch, cfg.Epochs, d.session.TotalIteration)

	for d.session.Epoch < cfg.Epochs && !d.interrupted() {
		start := time.Now()
		d.loader.Reset()

		var lastBatch data.Batch
		for d.loader.HasNext() {
			if d.interrupted() {
				break
			}
			batch, err := d.loader.Next()
			if err != nil {
				return fmt.Errorf("failed to load batch: %v", err)
			}
			lastBatch = batch
			if err := d.step(batch); err != nil {
				return err
			}
			if d.session.TotalIteration%10 == 0 {
				log.Infof("[Epoch %d | iter %d] g %.4f | d_fake %.4f | d_real %.4f | flat %.4f",
					d.session.Epoch+1, d.session.TotalIteration,
					last(d.session.GCurve), last(d.session.DFakeCurve),
					last(d.session.DRealCurve), last(d.session.FlatCurve))
			}
		}
		if d.interrupted() {
			break
		}

		d.session.Epoch++
		epoch := d.session.Epoch
		log.Infof("[Epoch %d/%d] g %.4f | d_fake %.4f | d_real %.4f | %.1fs",
			epoch, cfg.Epochs,
			last(d.session.GCurve), last(d.session.DFakeCurve), last(d.session.DRealCurve),
			time.Since(start).Seconds())

		d.applyLRDecay(epoch)

		if epoch%cfg.SaveFreq == 0 {
			if err := d.save(checkpoints.LatestTag); err != nil {
				return err
			}
		}
		if epoch%cfg.CheckpointFreq == 0 {
			if err := d.save(strconv.Itoa(epoch)); err != nil {
				return err
			}
		}
		if d.evaluate != nil && epoch%cfg.EvaluateFreq == 0 && cfg.UseMesh() && lastBatch != nil {
			d.setState(Evaluating)
			fid, err := d.evaluate(lastBatch[data.KeyIdx], false)
			if err != nil {
				return fmt.Errorf("evaluation at epoch %d failed: %v", epoch, err)
			}
			log.Infof("[Epoch %d] FID %.4f", epoch, fid)
			d.setState(Running)
		}
	}

	if err := d.save(checkpoints.LatestTag); err != nil {
		return err
	}
	if d.interrupted() {
		d.setState(Interrupted)
		log.Info("Aborted.")
	} else {
		d.setState(Done)
		log.Infof("Finished training %s after %d epochs", cfg.Name, d.session.Epoch)
	}
	return nil
}

// step runs one generator or discriminator iteration according to the
// alternation schedule and advances the global iteration counter.
func (d *Driver) step(batch data.Batch) error {
	cfg := d.session.Config

	tex, ok := batch[data.KeyTexture]
	if !ok {
		return fmt.Errorf("batch has no %q", data.KeyTexture)
	}
	alpha, ok := batch[data.KeyTextureAlpha]
	if !ok {
		return fmt.Errorf("batch has no %q", data.KeyTextureAlpha)
	}
	cond, err := d.resolver.Resolve(batch)
	if err != nil {
		return err
	}

	switch ScheduleKind(d.session.TotalIteration, cfg.DStepsPerG) {
	case GeneratorUpdate:
		err = d.generatorStep(alpha, cond)
	case DiscriminatorUpdate:
		err = d.discriminatorStep(tex, alpha, batch[data.KeyMesh], cond)
	}
	if err != nil {
		return err
	}

	d.session.TotalIteration++
	return nil
}

func (d *Driver) generatorStep(alpha *tensor.Tensor, cond *gan.Conditioning) error {
	cfg := d.session.Config
	d.session.OptimizerG.ZeroGrad()

	res, err := d.engine.GeneratorStep(alpha, cond, nil)
	if err != nil {
		return err
	}

	// The flatness regularizer joins the adversarial loss, scaled by
	// its weight, so both share one backward pass and optimizer step.
	// The curve records the unscaled value.
	total := res.Loss
	if cfg.UseMesh() {
		vtx, err := d.template.VertexPositions(res.Output.MeshMap)
		if err != nil {
			return fmt.Errorf("failed to decode mesh map: %v", err)
		}
		normals, err := d.template.ComputeNormals(vtx)
		if err != nil {
			return fmt.Errorf("failed to compute face normals: %v", err)
		}
		flat, err := gan.FlatnessLoss(d.template.FaceAdjacency(), normals)
		if err != nil {
			return fmt.Errorf("flatness loss failed: %v", err)
		}
		total += cfg.MeshRegularization * flat
		d.session.FlatCurve = append(d.session.FlatCurve, flat)
	}

	if err := d.engine.BackwardGenerator(total); err != nil {
		return fmt.Errorf("generator backward failed: %v", err)
	}
	if err := d.session.OptimizerG.Step(); err != nil {
		return fmt.Errorf("generator optimizer step failed: %v", err)
	}

	if err := d.tracker.Update(d.engine.GeneratorAvg(), d.engine.Generator(), d.session.Epoch); err != nil {
		return fmt.Errorf("running-average update failed: %v", err)
	}

	d.session.GCurve = append(d.session.GCurve, res.Loss)
	return nil
}

func (d *Driver) discriminatorStep(tex, alpha, mesh *tensor.Tensor, cond *gan.Conditioning) error {
	d.session.OptimizerD.ZeroGrad()

	res, err := d.engine.DiscriminatorStep(tex, alpha, mesh, cond, nil)
	if err != nil {
		return err
	}
	if err := d.engine.BackwardDiscriminator(res.LossFake + res.LossReal); err != nil {
		return fmt.Errorf("discriminator backward failed: %v", err)
	}
	if err := d.session.OptimizerD.Step(); err != nil {
		return fmt.Errorf("discriminator optimizer step failed: %v", err)
	}

	d.session.DFakeCurve = append(d.session.DFakeCurve, res.LossFake)
	d.session.DRealCurve = append(d.session.DRealCurve, res.LossReal)
	return nil
}

// applyLRDecay recomputes both learning rates from the base values so
// that repeated application never compounds.
func (d *Driver) applyLRDecay(epoch int) {
	cfg := d.session.Config
	lrG := d.scheduler.GetLR(epoch, d.session.TotalIteration, cfg.LrG)
	lrD := d.scheduler.GetLR(epoch, d.session.TotalIteration, cfg.LrD)
	if lrG != d.session.OptimizerG.GetLR() {
		d.session.Log.Infof("[Epoch %d] learning rates decayed to g %.2e, d %.2e", epoch, lrG, lrD)
	}
	d.session.OptimizerG.SetLR(lrG)
	d.session.OptimizerD.SetLR(lrD)
}

func (d *Driver) save(tag string) error {
	d.setState(Checkpointing)
	chk, err := d.session.Checkpoint()
	if err != nil {
		return fmt.Errorf("failed to assemble checkpoint: %v", err)
	}
	if err := d.manager.Save(tag, chk); err != nil {
		return err
	}
	d.session.Log.Infof("Saved checkpoint %q at epoch %d", tag, d.session.Epoch)
	d.setState(Running)
	return nil
}

func last(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	return curve[len(curve)-1]
}
