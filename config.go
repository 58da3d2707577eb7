package caravel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the declarative endpoint configuration loaded from YAML:
// the input address, delivery concurrency, and per-request and
// per-schedule tuning that deployments adjust without recompiling.
//
//	inputAddress: order-state
//	concurrency: 32
//	requests:
//	  ProcessOrder:
//	    serviceAddress: order-service
//	    timeout: 30s
//	    responseType: OrderProcessed
//	schedules:
//	  OrderTimeout:
//	    delay: 10m
type Settings struct {
	InputAddress string                      `yaml:"inputAddress"`
	Concurrency  int                         `yaml:"concurrency"`
	Requests     map[string]RequestSettings  `yaml:"requests"`
	Schedules    map[string]ScheduleSettings `yaml:"schedules"`
}

// ScheduleSettings tune one declared schedule.
type ScheduleSettings struct {
	// Delay overrides the schedule's default delivery delay.
	Delay time.Duration `yaml:"-"`
}

// UnmarshalYAML parses the delay from a duration string.
func (s *ScheduleSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Delay string `yaml:"delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Delay != "" {
		delay, err := time.ParseDuration(raw.Delay)
		if err != nil {
			return fmt.Errorf("caravel: invalid schedule delay %q: %w", raw.Delay, err)
		}
		s.Delay = delay
	}
	return nil
}

// UnmarshalYAML parses the timeout from a duration string alongside the
// tagged fields.
func (r *RequestSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ServiceAddress string `yaml:"serviceAddress"`
		Timeout        string `yaml:"timeout"`
		RequestType    string `yaml:"requestType"`
		ResponseType   string `yaml:"responseType"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	r.ServiceAddress = raw.ServiceAddress
	r.RequestType = raw.RequestType
	r.ResponseType = raw.ResponseType

	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("caravel: invalid request timeout %q: %w", raw.Timeout, err)
		}
		r.Timeout = timeout
	}
	return nil
}

// ParseSettings decodes settings from YAML.
func ParseSettings(data []byte) (*Settings, error) {
	settings := &Settings{}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("caravel: parse settings: %w", err)
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// LoadSettings reads and decodes settings from a YAML file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("caravel: read settings: %w", err)
	}
	return ParseSettings(data)
}

func (s *Settings) validate() error {
	if s.Concurrency < 0 {
		return fmt.Errorf("caravel: concurrency must not be negative, got %d", s.Concurrency)
	}
	for name, req := range s.Requests {
		if req.Timeout < 0 {
			return fmt.Errorf("caravel: request %q timeout must not be negative", name)
		}
	}
	for name, sched := range s.Schedules {
		if sched.Delay < 0 {
			return fmt.Errorf("caravel: schedule %q delay must not be negative", name)
		}
	}
	return nil
}

// Request returns the settings for a named request and whether any were
// configured.
func (s *Settings) Request(name string) (RequestSettings, bool) {
	req, ok := s.Requests[name]
	return req, ok
}

// Schedule returns the settings for a named schedule and whether any
// were configured.
func (s *Settings) Schedule(name string) (ScheduleSettings, bool) {
	sched, ok := s.Schedules[name]
	return sched, ok
}
