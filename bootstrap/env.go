package bootstrap

import "os"

const (
	EnvInitialized       = "DOORSTOP_INITIALIZED"
	EnvInvokeDLLPath     = "DOORSTOP_INVOKE_DLL_PATH"
	EnvProcessPath       = "DOORSTOP_PROCESS_PATH"
	EnvManagedFolderDir  = "DOORSTOP_MANAGED_FOLDER_DIR"
	EnvDLLSearchDirs     = "DOORSTOP_DLL_SEARCH_DIRS"
	EnvMonoLibPath       = "DOORSTOP_MONO_LIB_PATH"
	EnvDisable           = "DOORSTOP_DISABLE"
	EnvDebuggerOverride  = "DNSPY_UNITY_DBG2"
	initializedValue     = "TRUE"
	monoEntrypointMethod = "Doorstop.Entrypoint:Start"
	clrEntrypointType    = "Doorstop.Entrypoint"
	clrEntrypointMethod  = "Start"
	clrDomainName        = "Doorstop Domain"
	clrAppPathsProperty  = "APP_PATHS"
)

// Environment is the process environment as seen by the bootstrap
// sequence.
type Environment interface {
	Getenv(key string) (string, bool)
	Setenv(key, value string) error
}

// OSEnvironment is the real process environment.
type OSEnvironment struct{}

func (OSEnvironment) Getenv(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (OSEnvironment) Setenv(key, value string) error {
	return os.Setenv(key, value)
}
