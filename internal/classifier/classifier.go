// Package classifier reconciles verdicts from independent classifier agents
// into a single decision per capture.
package classifier

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type State string

const (
	StatePending   State = "pending"
	StateNormal    State = "normal"
	StateAbnormal  State = "abnormal"
	StateUncertain State = "uncertain"
)

const (
	DefaultTimeout = 20 * time.Second
	DefaultFloor   = 0.5

	ReasonUnavailable = "classification unavailable"
)

func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case StatePending, StateNormal, StateAbnormal, StateUncertain:
		return st, nil
	default:
		return "", fmt.Errorf("unknown state %q", s)
	}
}

// Terminal reports whether s is a final classification outcome.
func (s State) Terminal() bool {
	return s == StateNormal || s == StateAbnormal || s == StateUncertain
}

// Image is an encoded frame handed to agents.
type Image struct {
	Data      []byte
	MediaType string
}

// Verdict is one agent's opinion about one capture.
type Verdict struct {
	Agent      string  `json:"agent"`
	State      State   `json:"state"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Decision is the reconciled outcome.
type Decision struct {
	State    State     `json:"state"`
	Score    float64   `json:"score"`
	Reason   string    `json:"reason"`
	Verdicts []Verdict `json:"verdicts,omitempty"`
}

// Agent classifies a single image. Implementations must honor ctx.
type Agent interface {
	Name() string
	Classify(ctx context.Context, img Image, prompt string) (Verdict, error)
}

// timedAgent lets an agent carry its own deadline.
type timedAgent interface {
	Timeout() time.Duration
}

type Consensus struct {
	agents  []Agent
	floor   float64
	timeout time.Duration
}

type Option func(*Consensus)

func WithFloor(floor float64) Option {
	return func(c *Consensus) { c.floor = floor }
}

// WithTimeout sets the per-agent timeout used by agents without their own.
func WithTimeout(d time.Duration) Option {
	return func(c *Consensus) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(agents []Agent, opts ...Option) *Consensus {
	c := &Consensus{
		agents:  agents,
		floor:   DefaultFloor,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consensus) Agents() []string {
	names := make([]string, len(c.agents))
	for i, a := range c.agents {
		names[i] = a.Name()
	}
	return names
}

// Classify calls every agent concurrently, each under its own timeout, and
// reconciles whatever came back. Failed agents are left out; they are never
// retried for the same capture.
func (c *Consensus) Classify(ctx context.Context, img Image, normalDescription string) Decision {
	prompt := BuildPrompt(normalDescription)

	results := make([]*Verdict, len(c.agents))
	var wg sync.WaitGroup
	for i, agent := range c.agents {
		wg.Add(1)
		go func(i int, agent Agent) {
			defer wg.Done()

			timeout := c.timeout
			if ta, ok := agent.(timedAgent); ok && ta.Timeout() > 0 {
				timeout = ta.Timeout()
			}
			actx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			v, err := agent.Classify(actx, img, prompt)
			if err == nil {
				err = actx.Err()
			}
			if err != nil {
				log.Printf("[classifier] agent %s failed after %s: %v", agent.Name(), time.Since(start).Round(time.Millisecond), err)
				return
			}
			v.Agent = agent.Name()
			results[i] = &v
		}(i, agent)
	}
	wg.Wait()

	verdicts := make([]Verdict, 0, len(results))
	for _, v := range results {
		if v != nil {
			verdicts = append(verdicts, *v)
		}
	}
	return Reconcile(verdicts, c.floor, len(c.agents) == 1)
}

// Reconcile folds successful verdicts, given in configured agent order, into
// a decision. With trustSingle the lone verdict is taken as-is.
func Reconcile(verdicts []Verdict, floor float64, trustSingle bool) Decision {
	if len(verdicts) == 0 {
		return Decision{State: StateUncertain, Score: 0, Reason: ReasonUnavailable}
	}
	if trustSingle && len(verdicts) == 1 {
		v := verdicts[0]
		return Decision{State: v.State, Score: v.Confidence, Reason: v.Reasoning, Verdicts: verdicts}
	}

	state := verdicts[0].State
	agree := true
	confident := true
	sum := 0.0
	for _, v := range verdicts {
		if v.State != state {
			agree = false
		}
		if v.Confidence < floor {
			confident = false
		}
		sum += v.Confidence
	}

	d := Decision{
		State:    state,
		Score:    sum / float64(len(verdicts)),
		Reason:   MostConfident(verdicts).Reasoning,
		Verdicts: verdicts,
	}
	if !agree || !confident {
		d.State = StateUncertain
	}
	return d
}

// MostConfident returns the verdict with the highest confidence; the earliest
// one wins a tie.
func MostConfident(verdicts []Verdict) Verdict {
	var best Verdict
	for i, v := range verdicts {
		if i == 0 || v.Confidence > best.Confidence {
			best = v
		}
	}
	return best
}

// BuildPrompt asks for a strict JSON verdict against the device's baseline.
func BuildPrompt(normalDescription string) string {
	desc := strings.TrimSpace(normalDescription)
	if desc == "" {
		desc = "No baseline was provided; judge whether anything in the scene needs human attention."
	}
	return fmt.Sprintf(classifyPrompt, desc)
}

const classifyPrompt = `You are monitoring a fixed camera. Compare the attached frame with the description of how this scene normally looks.

Normal scene:
%s

Decide whether the frame is "normal" (matches the description) or "abnormal" (something differs that a person should look at). Use "uncertain" only if the frame is unreadable.

Return strict JSON object:
{"state":"normal|abnormal|uncertain","confidence":0.0,"reasoning":"one or two sentences"}`
