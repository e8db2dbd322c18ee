package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// FinancierName is the callback name of the financier workload.
const FinancierName = "financier"

// InvokeTimeout bounds each financier submission.
const InvokeTimeout = 30 * time.Second

// FinancierArgs configures the financier workload. NTxn and NAccount are required.
type FinancierArgs struct {
	NTxn               *int     `json:"nTxn"`
	NAccount           *int     `json:"nAccount"`
	SleepMS            int      `json:"sleepMS"`
	NRead              int      `json:"nRead"`
	NWrite             int      `json:"nWrite"`
	UpdateSize         int      `json:"updateSize"`
	Zipfs              *float64 `json:"zipfs,omitempty"`
	PersistentFilepath string   `json:"persistentFilepath,omitempty"`
	Seed               *uint64  `json:"seed,omitempty"`
}

// Task is one readAndWrite transaction.
type Task struct {
	SleepMS    int      `json:"sleepMS"`
	NRead      int      `json:"nRead"`
	NWrite     int      `json:"nWrite"`
	UpdateSize int      `json:"updateSize"`
	ReadKeys   []string `json:"readKeys"`
	WriteKeys  []string `json:"writeKeys"`
}

// Call converts the task into its contract invocation.
func (t Task) Call() network.Call {
	args := make([]string, 0, 4+len(t.ReadKeys)+len(t.WriteKeys))
	args = append(args,
		strconv.Itoa(t.SleepMS),
		strconv.Itoa(t.NRead),
		strconv.Itoa(t.NWrite),
		strconv.Itoa(t.UpdateSize),
	)
	args = append(args, t.ReadKeys...)
	args = append(args, t.WriteKeys...)
	return network.Call{Function: "readAndWrite", Args: args}
}

// Financier issues batches of readAndWrite transactions over accounts A0..An-1,
// sampled uniformly or from a Zipf distribution.
type Financier struct {
	args     FinancierArgs
	nets     [2]network.Network
	sessions [2]*network.ClientContext

	mu      sync.Mutex
	rng     *rand.Rand
	sampler func() uint64

	persisted []network.Call
}

// Info describes the workload.
func (f *Financier) Info() string { return "financier's generator" }

// Init validates args and prepares the account sampler.
func (f *Financier) Init(_ context.Context, nets [2]network.Network, sessions [2]*network.ClientContext, raw json.RawMessage) error {
	var args FinancierArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("financier args: %w", err)
		}
	}
	if args.NTxn == nil || args.NAccount == nil {
		return ErrMissingArguments
	}
	if *args.NTxn <= 0 || *args.NAccount <= 0 {
		return fmt.Errorf("financier: nTxn and nAccount must be positive")
	}
	if args.NRead < 0 || args.NWrite < 0 || args.UpdateSize < 0 || args.SleepMS < 0 {
		return fmt.Errorf("financier: sleepMS, nRead, nWrite and updateSize must not be negative")
	}

	seed := uint64(time.Now().UnixNano())
	if args.Seed != nil {
		seed = *args.Seed
	}
	if sessions[0] != nil {
		seed += uint64(sessions[0].ClientIdx)
	}
	f.rng = rand.New(rand.NewPCG(seed, seed>>1|1))

	n := uint64(*args.NAccount)
	if args.Zipfs != nil {
		if *args.Zipfs <= 1 {
			return fmt.Errorf("financier: zipfs must be greater than 1, got %v", *args.Zipfs)
		}
		if n < 2 {
			return fmt.Errorf("financier: zipf sampling needs at least 2 accounts")
		}
		zipf := rand.NewZipf(f.rng, *args.Zipfs, 1, n-1)
		f.sampler = zipf.Uint64
	} else {
		f.sampler = func() uint64 { return f.rng.Uint64N(n) }
	}

	f.args = args
	f.nets = nets
	f.sessions = sessions

	if args.PersistentFilepath != "" {
		calls, err := f.loadOrGenerate(args.PersistentFilepath)
		if err != nil {
			return err
		}
		f.persisted = calls
	}
	return nil
}

// Run submits one batch of nTxn tasks to both networks.
func (f *Financier) Run(ctx context.Context) ([]types.TxPair, error) {
	calls := f.persisted
	if calls == nil {
		calls = callsFor(f.GenerateTasks())
	}
	return submitBoth(ctx, func(ctx context.Context, side int) ([]types.TxStatus, error) {
		s := f.sessions[side]
		return f.nets[side].InvokeSmartContract(ctx, s, s.ContractID, "v0", calls, InvokeTimeout)
	})
}

// End is a no-op.
func (f *Financier) End(context.Context) error { return nil }

// GenerateTasks samples one batch of tasks.
func (f *Financier) GenerateTasks() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	tasks := make([]Task, *f.args.NTxn)
	for i := range tasks {
		t := Task{
			SleepMS:    f.args.SleepMS,
			NRead:      f.args.NRead,
			NWrite:     f.args.NWrite,
			UpdateSize: f.args.UpdateSize,
			ReadKeys:   make([]string, f.args.NRead),
			WriteKeys:  make([]string, f.args.NWrite),
		}
		for j := range t.ReadKeys {
			t.ReadKeys[j] = f.account()
		}
		for j := range t.WriteKeys {
			t.WriteKeys[j] = f.account()
		}
		tasks[i] = t
	}
	return tasks
}

func (f *Financier) account() string {
	return "A" + strconv.FormatUint(f.sampler(), 10)
}

// loadOrGenerate reads persisted tasks, generating and saving them on first use so
// every round and client replays the same batch.
func (f *Financier) loadOrGenerate(path string) ([]network.Call, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var tasks []Task
		if err := json.Unmarshal(data, &tasks); err != nil {
			return nil, fmt.Errorf("financier: parse %s: %w", path, err)
		}
		return callsFor(tasks), nil
	case errors.Is(err, fs.ErrNotExist):
		tasks := f.GenerateTasks()
		data, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("financier: persist tasks: %w", err)
		}
		return callsFor(tasks), nil
	default:
		return nil, fmt.Errorf("financier: read %s: %w", path, err)
	}
}

func callsFor(tasks []Task) []network.Call {
	calls := make([]network.Call, len(tasks))
	for i, t := range tasks {
		calls[i] = t.Call()
	}
	return calls
}
