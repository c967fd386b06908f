// Package config holds the settings of one atomic broadcast peer.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration that reads "200ms" style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Paxos holds the protocol constants.
type Paxos struct {
	// Number of acceptor slots; instance ids share a slot modulo this size.
	RingSize int `json:"ringSize"`

	// First ballot of a proposer is BallotBase + ServerID.
	BallotBase int64 `json:"ballotBase"`

	// Ballots escalate in steps of BallotStep.
	BallotStep int64 `json:"ballotStep"`

	// A proposer gives up on an instance once its ballot exceeds this.
	BallotCeiling int64 `json:"ballotCeiling"`

	// Maximum number of instances a proposer drives concurrently.
	MaxBookedInstances int `json:"maxBookedInstances"`

	// Delivered instance records kept before they are reclaimed.
	RetainedInstances int `json:"retainedInstances"`
}

type Timeouts struct {
	Default      Duration `json:"default"`
	Phase1       Duration `json:"phase1"`
	Phase2       Duration `json:"phase2"`
	TickInterval Duration `json:"tickInterval"`
}

type Config struct {
	// Address of this peer.
	ID string `json:"id"`

	// Small integer unique per proposer, offsets the first ballot.
	ServerID int `json:"serverId"`

	Acceptors []string `json:"acceptors"`
	Learners  []string `json:"learners"`

	Paxos    Paxos    `json:"paxos"`
	Timeouts Timeouts `json:"timeouts"`

	// One of CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG.
	LogLevel string `json:"logLevel"`
}

func DefaultPaxos() Paxos {
	return Paxos{
		RingSize:           100,
		BallotBase:         100,
		BallotStep:         100,
		BallotCeiling:      1000,
		MaxBookedInstances: 10,
		RetainedInstances:  1000,
	}
}

func Default() Config {
	return Config{
		Paxos: DefaultPaxos(),
		Timeouts: Timeouts{
			Default:      Duration(time.Second),
			Phase1:       Duration(time.Second),
			Phase2:       Duration(time.Second),
			TickInterval: Duration(50 * time.Millisecond),
		},
		LogLevel: "INFO",
	}
}

// Validate checks the protocol constants.
func (p Paxos) Validate() error {
	var errs []error
	if p.RingSize <= 0 {
		errs = append(errs, errors.New("ring size must be positive"))
	}
	if p.BallotStep <= 0 {
		errs = append(errs, errors.New("ballot step must be positive"))
	}
	if p.BallotBase < 0 {
		errs = append(errs, errors.New("ballot base must not be negative"))
	}
	if p.BallotCeiling < p.BallotBase {
		errs = append(errs, errors.New("ballot ceiling is below ballot base"))
	}
	if p.MaxBookedInstances <= 0 {
		errs = append(errs, errors.New("max booked instances must be positive"))
	}
	if p.RetainedInstances < 0 {
		errs = append(errs, errors.New("retained instances must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate checks all settings and reports every problem found.
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.ServerID < 0 {
		errs = append(errs, errors.New("server id must not be negative"))
	}
	if int64(c.ServerID) >= c.Paxos.BallotStep && c.Paxos.BallotStep > 0 {
		errs = append(errs, fmt.Errorf("server id %d must be below ballot step %d", c.ServerID, c.Paxos.BallotStep))
	}
	if err := c.Paxos.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Timeouts.Default <= 0 {
		errs = append(errs, errors.New("default timeout must be positive"))
	}
	if c.Timeouts.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	return errors.Join(errs...)
}

// Load reads a JSON config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
