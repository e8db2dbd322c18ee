// Package ipc defines the messages exchanged between the orchestrator and its workers
// and the connections that carry them.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// Type tags a message on the wire.
type Type string

const (
	TypeTest       Type = "test"
	TypeTxUpdated  Type = "txUpdated"
	TypeTestResult Type = "testResult"
	TypeError      Type = "error"
	TypeReady      Type = "ready"
)

// ErrUnknownType is returned when decoding a message with an unrecognized tag.
var ErrUnknownType = errors.New("unknown message type")

// Message is one of Test, TxUpdated, TestResult, Error or Ready.
type Message interface {
	Type() Type
	isMessage()
}

// Test starts a round on a worker. Round fields are encoded flat next to the tag.
type Test struct {
	types.RoundSpec
	NetworkA    []byte            `json:"networkA"` // network A config document
	NetworkB    []byte            `json:"networkB"` // network B config document
	ContractID  string            `json:"contractID"`
	ClientIdx   int               `json:"clientIdx"`
	ClientArgs  []json.RawMessage `json:"clientArgs,omitempty"` // per network, A then B
	MaxInFlight int               `json:"maxInFlight,omitempty"`
}

// TxUpdated is a live progress report for the window since the previous one.
type TxUpdated struct {
	Committed types.DefaultTxStats `json:"committed"`
	Submitted int                  `json:"submitted"`
}

// TestResult carries a worker's final round result.
type TestResult struct {
	Results types.RoundResult
}

// Error reports a round failure on a worker.
type Error struct {
	Reason string
}

// Ready is sent by a remote worker once connected.
type Ready struct {
	WorkerID string `json:"workerId"`
}

func (Test) Type() Type       { return TypeTest }
func (TxUpdated) Type() Type  { return TypeTxUpdated }
func (TestResult) Type() Type { return TypeTestResult }
func (Error) Type() Type      { return TypeError }
func (Ready) Type() Type       { return TypeReady }

func (Test) isMessage()       {}
func (TxUpdated) isMessage()  {}
func (TestResult) isMessage() {}
func (Error) isMessage()      {}
func (Ready) isMessage()      {}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes a message.
func Encode(m Message) ([]byte, error) {
	var payload any
	switch m := m.(type) {
	case Test:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Test
		}{TypeTest, m})
	case TxUpdated:
		payload = m
	case TestResult:
		payload = m.Results
	case Error:
		payload = m.Reason
	case Ready:
		payload = m
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Data: data})
}

// Decode parses a message produced by Encode.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case TypeTest:
		var m Test
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("unmarshal test: %w", err)
		}
		return m, nil
	case TypeTxUpdated:
		var m TxUpdated
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("unmarshal txUpdated: %w", err)
		}
		return m, nil
	case TypeTestResult:
		var results types.RoundResult
		if err := json.Unmarshal(env.Data, &results); err != nil {
			return nil, fmt.Errorf("unmarshal testResult: %w", err)
		}
		return TestResult{Results: results}, nil
	case TypeError:
		var reason string
		if err := json.Unmarshal(env.Data, &reason); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
		return Error{Reason: reason}, nil
	case TypeReady:
		var m Ready
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("unmarshal ready: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
