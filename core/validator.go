package core

import (
	"errors"
	"strconv"
)

// Setting names reported in ConfigurationError.
const (
	SettingInitHook   = "pool.init_hook"
	SettingEntryPoint = "pool.entry_point"
	SettingWorkers    = "pool.workers"
)

// Validator checks a pool's settings before anything is submitted.
// Nothing is cached: settings are read fresh on every dispatch.
type Validator struct {
	// InitHook is the hook the pool must run in each worker context.
	InitHook string

	// EntryPoint is the DispatchFunc the pool must call.
	EntryPoint string

	// Registry, when set, must be the one serving EntryPoint.
	Registry *Registry

	// MinWorkers is the exclusive lower bound on the worker count.
	MinWorkers int
}

// NewValidator expects the default init hook, reg's entry point served by reg
// itself and more than one worker.
func NewValidator(reg *Registry) *Validator {
	return &Validator{
		InitHook:   InitHookName,
		EntryPoint: reg.EntryPoint(),
		Registry:   reg,
		MinWorkers: 1,
	}
}

// Validate returns a *ConfigurationError for the first failing setting.
func (v *Validator) Validate(settings PoolSettings) error {
	if settings.InitHook != v.InitHook {
		return &ConfigurationError{
			Setting: SettingInitHook,
			Got:     settings.InitHook,
			Want:    v.InitHook,
			Reason:  "worker contexts would run without the dispatch bootstrap",
		}
	}
	if _, err := LookupInitHook(settings.InitHook); err != nil {
		return &ConfigurationError{Setting: SettingInitHook, Got: settings.InitHook, Reason: "hook is not registered"}
	}

	if settings.EntryPoint != v.EntryPoint {
		return &ConfigurationError{
			Setting: SettingEntryPoint,
			Got:     settings.EntryPoint,
			Want:    v.EntryPoint,
			Reason:  "the pool would not route tasks through the task registry",
		}
	}
	if _, err := LookupEntryPoint(settings.EntryPoint); err != nil {
		return &ConfigurationError{Setting: SettingEntryPoint, Got: settings.EntryPoint, Reason: "entry point is not registered"}
	}
	if v.Registry != nil && EntryPointOwner(settings.EntryPoint) != v.Registry {
		return &ConfigurationError{
			Setting: SettingEntryPoint,
			Got:     settings.EntryPoint,
			Reason:  "entry point is served by another dispatch function",
		}
	}

	if settings.Workers <= v.MinWorkers {
		return &ConfigurationError{
			Setting: SettingWorkers,
			Got:     strconv.Itoa(settings.Workers),
			Reason:  "need more than " + strconv.Itoa(v.MinWorkers) + " workers, a single worker serializes every task",
		}
	}
	return nil
}

// Setting returns the name of the failing setting, or "" if err is not a
// configuration error.
func Setting(err error) string {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return cfgErr.Setting
	}
	return ""
}
