// Package doorstop injects a managed entrypoint into Unity players by hooking
// how they resolve their scripting runtime.
package doorstop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sliverarmory/doorstop/bootstrap"
	"github.com/sliverarmory/doorstop/config"
	"github.com/sliverarmory/doorstop/hooks"
	"github.com/sliverarmory/doorstop/loader"
	"github.com/sliverarmory/doorstop/log"
)

// PlayerModule is the library Unity players resolve their runtime from.
const PlayerModule = "UnityPlayer"

var ErrDisabled = errors.New("doorstop: disabled")

var (
	state = &bootstrap.State{}

	runOnce sync.Once
	runErr  error

	mu      sync.Mutex
	engines []*hooks.Engine
)

// Inject installs every hook into module. All engines share the process
// bootstrap state, so the managed entrypoint still runs at most once.
func Inject(cfg *config.Config, module *loader.Module) (*hooks.Engine, error) {
	if cfg == nil {
		return nil, errors.New("doorstop: nil config")
	}
	if module == nil {
		return nil, errors.New("doorstop: nil module")
	}
	engine := hooks.NewEngine(cfg, state)
	if err := engine.Install(module); err != nil {
		return nil, fmt.Errorf("doorstop: inject %s: %w", module.Path(), err)
	}

	mu.Lock()
	engines = append(engines, engine)
	mu.Unlock()
	return engine, nil
}

// Run loads the configuration and injects into the player. Only the first
// call does any work.
func Run() error {
	runOnce.Do(func() {
		runErr = run()
	})
	return runErr
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		log.Errorln("Load config: %v", err)
		return fmt.Errorf("doorstop: %w", err)
	}
	configureLogging(cfg.Log)

	if cfg.Source != "" {
		log.Infoln("Config loaded from %s", cfg.Source)
	}
	if !cfg.Enabled {
		log.Infoln("Doorstop disabled: %s", cfg.DisabledReason)
		return ErrDisabled
	}
	log.Infoln("Target assembly: %s", cfg.TargetAssembly)

	module, err := TargetModule()
	if err != nil {
		log.Errorln("Find target module: %v", err)
		return fmt.Errorf("doorstop: %w", err)
	}
	log.Infoln("Installing hooks into %s", module.Path())
	if _, err := Inject(cfg, module); err != nil {
		log.Errorln("%v", err)
		return err
	}
	return nil
}

// TargetModule returns the module whose imports get hooked: the Unity player
// library when it is loaded, otherwise the main executable.
func TargetModule() (*loader.Module, error) {
	if module, err := loader.FindLoaded(PlayerModule); err == nil {
		return module, nil
	}
	return loader.Executable()
}

func configureLogging(cfg config.Log) {
	log.SetLevel(cfg.Level)
	log.SetOutput(cfg.File, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge, false)
}
