// Package timewarden disciplines the host system clock against remote
// time servers and local hardware reference clocks. It plays the role
// Caddy's root package plays for an HTTP server: process lifecycle,
// configuration, and a module registry, while the actual clock
// mathematics live in the scheduler, discipline, smooth, keystore,
// refclock, sourceset, and cmdproto packages.
package timewarden

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timewarden/timewardend/discipline"
	"github.com/timewarden/timewardend/internal/admin"
	"github.com/timewarden/timewardend/internal/cmdserver"
	"github.com/timewarden/timewardend/internal/telemetry"
	"github.com/timewarden/timewardend/keystore"
	"github.com/timewarden/timewardend/refclock"
	_ "github.com/timewarden/timewardend/refclock/drivers"
	"github.com/timewarden/timewardend/scheduler"
	"github.com/timewarden/timewardend/smooth"
	"github.com/timewarden/timewardend/sourceset"
)

// Config is the top-level, JSON-decodable configuration for one run of
// the daemon. It is intentionally a plain struct rather than the
// directive-catalogue-driven object chrony builds from its own
// configuration language: parsing that language is an external
// collaborator's job (spec.md's explicit scope exclusion). This Config
// is what that external front-end is expected to produce.
type Config struct {
	Admin      *AdminConfig           `json:"admin,omitempty"`
	Command    *CommandConfig         `json:"command,omitempty"`
	Logging    *Logging               `json:"logging,omitempty"`
	Discipline *discipline.Config     `json:"discipline,omitempty"`
	Smooth     *smooth.Config         `json:"smooth,omitempty"`
	Keys       *keystore.Config       `json:"keys,omitempty"`
	RefClocks  []refclock.Config      `json:"refclocks,omitempty"`
	Sources    []sourceset.UnitConfig `json:"sources,omitempty"`
	Pools      []sourceset.PoolConfig `json:"pools,omitempty"`

	cancel context.CancelFunc
}

// AdminConfig controls the loopback-only diagnostics HTTP surface (see
// internal/admin). It is observability, not the administrative control
// client spec.md treats as an external collaborator.
type AdminConfig struct {
	// Listen is a host:port, e.g. "127.0.0.1:8324". Empty disables it.
	Listen string `json:"listen,omitempty"`
}

// CommandConfig controls the loopback-only UDP command-protocol listener
// (see internal/cmdserver), which speaks the fixed-length wire format
// cmdproto arbitrates rather than admin's JSON-over-HTTP convenience
// view.
type CommandConfig struct {
	// Listen is a host:port, e.g. "127.0.0.1:323" (chrony's own command
	// port). Empty disables it.
	Listen string `json:"listen,omitempty"`
}

// Daemon holds everything instantiated from one Config: the scheduler
// driving the whole process, the discipline engine, the smoother, the
// key store, the source registry, and the set of provisioned refclock
// instances. Exactly one Daemon is active at a time, mirroring chrony's
// single-process, single-threaded design (spec.md §5).
type Daemon struct {
	Scheduler  *scheduler.Scheduler
	Discipline *discipline.Engine
	Smoother   *smooth.Smoother
	Keys       *keystore.Store
	Sources    *sourceset.Registry
	RefClocks  []*refclock.Instance
	Admin      *admin.Server
	Command    *cmdserver.Server

	cfg *Config
	ctx Context
}

var (
	activeMu sync.Mutex
	active   *Daemon
)

// Run builds a Daemon from cfg and runs it until Stop is called or the
// scheduler's main loop exits. It blocks; callers typically invoke it
// from a goroutine or from the "run" CLI subcommand's foreground path.
func Run(cfg *Config) error {
	d, _, err := provision(cfg)
	if err != nil {
		return err
	}

	activeMu.Lock()
	active = d
	activeMu.Unlock()

	Log().Info("starting", zap.String("instance", instanceIDOrEmpty()))
	d.Scheduler.SetLogger(Log())
	d.Scheduler.Subscribe(d.Discipline)

	if d.Admin != nil {
		go func() {
			if err := d.Admin.ListenAndServe(); err != nil {
				Log().Error("diagnostics server exited", zap.Error(err))
			}
		}()
	}
	if d.Command != nil {
		go func() {
			if err := d.Command.Serve(); err != nil {
				Log().Error("command-protocol listener exited", zap.Error(err))
			}
		}()
	}

	return d.Scheduler.RunLoop(d.Discipline.OffsetConvert)
}

// Stop cancels the active daemon's context, running the cleanup
// functions registered on it with OnCancel, and requests the
// scheduler's main loop return. Functions registered with OnExit are
// not run (see exitFuncsOrNil).
func Stop() error {
	activeMu.Lock()
	d := active
	active = nil
	activeMu.Unlock()

	if d == nil {
		return nil
	}
	for _, f := range d.cfg.exitFuncsOrNil() {
		f(context.Background())
	}
	if d.cfg.cancel != nil {
		d.cfg.cancel()
	}
	if d.Admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Admin.Shutdown(shutdownCtx); err != nil {
			Log().Warn("diagnostics server shutdown", zap.Error(err))
		}
	}
	if d.Command != nil {
		if err := d.Command.Close(); err != nil {
			Log().Warn("command-protocol listener shutdown", zap.Error(err))
		}
	}
	d.Scheduler.RequestExit()
	return nil
}

// exitFuncsOrNil returns the exit functions Stop runs before canceling
// the context. It always returns nil: Context's exitFuncs are not
// reachable from Config.
func (cfg *Config) exitFuncsOrNil() []func(context.Context) { return nil }

func provision(cfg *Config) (*Daemon, Context, error) {
	ctx, cancel := NewContext(Context{Context: context.Background(), cfg: cfg})
	cfg.cancel = cancel

	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if err := cfg.Logging.openLogs(ctx); err != nil {
		return nil, ctx, err
	}

	sched := scheduler.New()

	var eng *discipline.Engine
	if cfg.Discipline != nil {
		var err error
		eng, err = discipline.New(*cfg.Discipline, sched)
		if err != nil {
			return nil, ctx, fmt.Errorf("provisioning discipline engine: %w", err)
		}
	} else {
		var err error
		eng, err = discipline.New(discipline.DefaultConfig(), sched)
		if err != nil {
			return nil, ctx, fmt.Errorf("provisioning default discipline engine: %w", err)
		}
	}

	var sm *smooth.Smoother
	if cfg.Smooth != nil {
		sm = smooth.New(*cfg.Smooth)
		eng.SubscribeSlew(sm.Update)
		sched.Subscribe(sm)
	}

	ks := keystore.New()
	if cfg.Keys != nil && cfg.Keys.Path != "" {
		if err := ks.Load(cfg.Keys.Path); err != nil {
			return nil, ctx, fmt.Errorf("loading keyfile: %w", err)
		}
	}

	reg := sourceset.NewRegistry(sched)
	for _, pc := range cfg.Pools {
		reg.AddPool(pc)
	}
	for _, sc := range cfg.Sources {
		if err := reg.AddUnresolved(sc); err != nil {
			return nil, ctx, fmt.Errorf("adding source %q: %w", sc.Name, err)
		}
	}

	var rcs []*refclock.Instance
	for i, rc := range cfg.RefClocks {
		inst, err := refclock.NewInstance(rc, sched, eng)
		if err != nil {
			return nil, ctx, fmt.Errorf("provisioning refclock %q: %w", rc.Driver, err)
		}
		rcs = append(rcs, inst)
		reg.RegisterRefclock(rc.Driver, byte(i+1), inst)
	}

	eng.Subscribe(func(seconds float64) { telemetry.Metrics.SlewsApplied.Inc() })
	reg.Subscribe(func(u *sourceset.Unit, _ refclock.Sample) {
		telemetry.Metrics.SamplesAccepted.WithLabelValues(u.Name).Inc()
	})

	var adminSrv *admin.Server
	if cfg.Admin != nil && cfg.Admin.Listen != "" {
		var err error
		adminSrv, err = admin.New(cfg.Admin.Listen, admin.Deps{Sources: reg, Discipline: eng}, Log())
		if err != nil {
			return nil, ctx, fmt.Errorf("provisioning diagnostics server: %w", err)
		}
	}

	var cmdSrv *cmdserver.Server
	if cfg.Command != nil && cfg.Command.Listen != "" {
		var err error
		cmdSrv, err = cmdserver.New(cfg.Command.Listen, cmdserver.Deps{Sources: reg, Discipline: eng, Smoother: sm}, Log())
		if err != nil {
			return nil, ctx, fmt.Errorf("provisioning command-protocol listener: %w", err)
		}
	}

	d := &Daemon{
		Scheduler:  sched,
		Discipline: eng,
		Smoother:   sm,
		Keys:       ks,
		Sources:    reg,
		RefClocks:  rcs,
		Admin:      adminSrv,
		Command:    cmdSrv,
		cfg:        cfg,
		ctx:        ctx,
	}
	return d, ctx, nil
}

// Duration unmarshals either an integer number of nanoseconds or a Go
// duration string ("300ms", "1.5h"), with an added "d" (day) unit, the
// same convention the teacher's Config uses for every timeout field.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (dur *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty duration")
	}
	var d time.Duration
	var err error
	if b[0] == '"' && b[len(b)-1] == '"' {
		d, err = ParseDuration(string(b[1 : len(b)-1]))
	} else {
		err = json.Unmarshal(b, &d)
	}
	*dur = Duration(d)
	return err
}

// ParseDuration parses a duration string, adding support for the "d"
// unit meaning number of days, where a day is assumed to be 24h. The
// maximum input string length is 1024.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) > 1024 {
		return 0, fmt.Errorf("parsing duration: input too long")
	}
	var inNumber bool
	var numStart int
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == 'd' {
			daysStr := s[numStart:i]
			days, err := strconv.ParseFloat(daysStr, 64)
			if err != nil {
				return 0, err
			}
			hours := days * 24.0
			hoursStr := strconv.FormatFloat(hours, 'f', -1, 64)
			s = s[:numStart] + hoursStr + "h" + s[i+1:]
			i--
			continue
		}
		if !inNumber {
			numStart = i
		}
		inNumber = (ch >= '0' && ch <= '9') || ch == '.' || ch == '-' || ch == '+'
	}
	return time.ParseDuration(s)
}

// InstanceID returns (creating if necessary) a stable UUID for this
// installation, stored alongside the keyfile's directory convention.
func InstanceID(dataDir string) (uuid.UUID, error) {
	path := filepath.Join(dataDir, "instance.uuid")
	b, err := os.ReadFile(path)
	if err == nil {
		return uuid.ParseBytes(b)
	}
	if !os.IsNotExist(err) {
		return uuid.UUID{}, err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return id, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return id, err
	}
	return id, os.WriteFile(path, []byte(id.String()), 0o600)
}

func instanceIDOrEmpty() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	id, err := InstanceID(filepath.Join(dir, "timewardend"))
	if err != nil {
		return ""
	}
	return id.String()
}
