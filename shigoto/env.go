package shigoto

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const (
	// envPrefix prefixes every environment variable read by the package.
	envPrefix = "SHIGOTO"

	// DefaultOpaqueProtocol is the opaque codec protocol level used when
	// SHIGOTO_OPAQUE_PROTOCOL is unset.
	DefaultOpaqueProtocol = 4

	// processNodeEnv names the node a re-executed child process must run.
	processNodeEnv = envPrefix + "_PROCESS_NODE"
)

// Environment holds the tunables read from the process environment.
type Environment struct {
	// OpaqueProtocol is the protocol level written by OpaqueCodec
	// (SHIGOTO_OPAQUE_PROTOCOL).
	OpaqueProtocol int

	// ProcessNode is set in child processes started by ProcessUnit
	// (SHIGOTO_PROCESS_NODE).
	ProcessNode string
}

var (
	envOnce sync.Once
	env     Environment
	envErr  error
)

// Env returns the environment captured the first time it is called, along
// with the error that capture produced.
func Env() (Environment, error) {
	envOnce.Do(func() { env, envErr = LoadEnvironment() })
	return env, envErr
}

// LoadEnvironment reads the environment now, bypassing the startup snapshot.
// An invalid SHIGOTO_OPAQUE_PROTOCOL is reported as an error; the returned
// Environment then carries the default level.
func LoadEnvironment() (Environment, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetDefault("opaque_protocol", DefaultOpaqueProtocol)
	v.SetDefault("process_node", "")

	e := Environment{
		OpaqueProtocol: DefaultOpaqueProtocol,
		ProcessNode:    v.GetString("process_node"),
	}
	raw := strings.TrimSpace(v.GetString("opaque_protocol"))
	level, err := strconv.Atoi(raw)
	if err != nil {
		return e, fmt.Errorf("%s_OPAQUE_PROTOCOL=%q is not an integer", envPrefix, raw)
	}
	if level < OpaqueProtocolUnsorted || level > OpaqueProtocolCoreDet {
		return e, fmt.Errorf("%s_OPAQUE_PROTOCOL=%d is out of range [%d, %d]",
			envPrefix, level, OpaqueProtocolUnsorted, OpaqueProtocolCoreDet)
	}
	e.OpaqueProtocol = level
	return e, nil
}
