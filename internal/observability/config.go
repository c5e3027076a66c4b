package observability

import "os"

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	EnablePprofTrace bool
}

// FromEnv reads the toggles from the environment.
func FromEnv() Config {
	return Config{
		EnablePprofTrace: os.Getenv("ENABLE_PPROF_TRACE") == "1",
	}
}
