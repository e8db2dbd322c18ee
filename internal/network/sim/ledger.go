package sim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var errUnknownFunction = errors.New("function does not exist")

// ledger is the simulated world state. Every installed contract runs the financier
// read/write logic against its own key space.
type ledger struct {
	mu        sync.RWMutex
	contracts map[string]map[string][]byte
}

func newLedger() *ledger {
	return &ledger{contracts: make(map[string]map[string][]byte)}
}

// install creates the contract state. Optional init args are the number of records
// and the record size; records are keyed A0..An-1.
func (l *ledger) install(id string, initArgs []string) error {
	state := make(map[string][]byte)
	if len(initArgs) > 0 {
		if len(initArgs) != 2 {
			return fmt.Errorf("install %s: want 2 init args (records, record size), got %d", id, len(initArgs))
		}
		nRecords, err := strconv.Atoi(initArgs[0])
		if err != nil {
			return fmt.Errorf("install %s: records: %w", id, err)
		}
		recordSize, err := strconv.Atoi(initArgs[1])
		if err != nil {
			return fmt.Errorf("install %s: record size: %w", id, err)
		}
		record := []byte(strings.Repeat("i", recordSize))
		for i := range nRecords {
			state["A"+strconv.Itoa(i)] = record
		}
		state["nRecords"] = []byte(strconv.Itoa(nRecords))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.contracts[id] = state
	return nil
}

func (l *ledger) installed(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.contracts[id]
	return ok
}

// endorsement is the outcome of simulating a call: how long the contract asked to
// sleep and the writes to apply once the transaction commits.
type endorsement struct {
	sleep  time.Duration
	writes map[string][]byte
}

// simulate validates a call and computes its write set without applying it.
func (l *ledger) simulate(contractID string, call callArgs) (endorsement, error) {
	switch call.function {
	case "readAndWrite":
		return l.readAndWrite(contractID, call.args)
	default:
		return endorsement{}, fmt.Errorf("%w: %s", errUnknownFunction, call.function)
	}
}

type callArgs struct {
	function string
	args     []string
}

// readAndWrite args: sleepMS, nRead, nWrite, updateSize, then nRead read keys and
// nWrite write keys.
func (l *ledger) readAndWrite(contractID string, args []string) (endorsement, error) {
	if len(args) < 4 {
		return endorsement{}, fmt.Errorf("readAndWrite: want at least 4 args, got %d", len(args))
	}
	var head [4]int
	for i := range head {
		v, err := strconv.Atoi(args[i])
		if err != nil {
			return endorsement{}, fmt.Errorf("readAndWrite: arg %d: %w", i, err)
		}
		head[i] = v
	}
	sleepMS, nRead, nWrite, updateSize := head[0], head[1], head[2], head[3]
	if sleepMS < 0 {
		return endorsement{}, fmt.Errorf("readAndWrite: negative sleep %d", sleepMS)
	}
	if nRead < 0 || nWrite < 0 || len(args) != 4+nRead+nWrite {
		return endorsement{}, fmt.Errorf("readAndWrite: want %d args, got %d", 4+nRead+nWrite, len(args))
	}

	l.mu.RLock()
	state, ok := l.contracts[contractID]
	if ok {
		for _, key := range args[4 : 4+nRead] {
			_ = state[key]
		}
	}
	l.mu.RUnlock()
	if !ok {
		return endorsement{}, fmt.Errorf("contract %s not installed", contractID)
	}

	update := []byte(strings.Repeat("w", updateSize))
	writes := make(map[string][]byte, nWrite)
	for _, key := range args[4+nRead:] {
		writes[key] = update
	}
	return endorsement{sleep: time.Duration(sleepMS) * time.Millisecond, writes: writes}, nil
}

func (l *ledger) commit(contractID string, writes map[string][]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.contracts[contractID]
	for k, v := range writes {
		state[k] = v
	}
}

func (l *ledger) get(contractID, key string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.contracts[contractID][key]
	return v, ok
}
