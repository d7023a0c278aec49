package device

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

const socIDPath = "/sys/devices/soc0/soc_id"

// Delegate describes the TFLite external delegate for a neural accelerator.
type Delegate struct {
	Name    string
	Library string
}

// TFLiteDelegate returns the external delegate matching the NPU, if one is
// needed. Neutron runs through the built-in path and reports ok=false.
func (c CapabilitySet) TFLiteDelegate() (Delegate, bool) {
	switch {
	case c.vsiNPU:
		return Delegate{Name: "vsi-npu", Library: "libvx_delegate.so"}, true
	case c.ethosU:
		return Delegate{Name: "ethos-u", Library: "libethosu_delegate.so"}, true
	default:
		return Delegate{}, false
	}
}

// TensorFilterOptions returns the tensor_filter custom property fragment
// selecting the delegate, or "" when running on CPU.
func (c CapabilitySet) TensorFilterOptions() string {
	d, ok := c.TFLiteDelegate()
	if !ok {
		return ""
	}
	return fmt.Sprintf("custom=Delegate:External,ExtDelegateLib:%s", d.Library)
}

// RuntimeEnv returns the environment the inference runtime expects on this
// device. home is where the VX graph cache is stored.
func (c CapabilitySet) RuntimeEnv(home string) map[string]string {
	env := make(map[string]string)
	if c.vsiNPU || c.vsiGPU {
		env["VIV_VX_ENABLE_CACHE_GRAPH_BINARY"] = "1"
		env["VIV_VX_CACHE_BINARY_GRAPH_DIR"] = home
	}
	if c.neutron {
		// input tensor zero-copy not supported by NNStreamer yet
		env["NEUTRON_ENABLE_ZERO_COPY"] = "0"
	}
	return env
}

// DefaultCamera returns the camera node wired to the EVK of this SoC.
func (c CapabilitySet) DefaultCamera() string {
	switch c.soc {
	case IMX8MP:
		return "/dev/video3"
	case IMX95:
		return "/dev/video13"
	default:
		return "/dev/video0"
	}
}

// ApplyRuntimeEnv exports RuntimeEnv into the process environment.
func ApplyRuntimeEnv(c CapabilitySet, home string) error {
	env := c.RuntimeEnv(home)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := os.Setenv(k, env[k]); err != nil {
			return fmt.Errorf("device: set %s: %w", k, err)
		}
		slog.Debug("device: runtime env set", "key", k, "value", env[k])
	}
	return nil
}

// Detect returns an identifier for the running machine suitable for Resolve.
// The sysfs SoC id is preferred; the uname nodename is the fallback.
func Detect() (string, error) {
	if data, err := os.ReadFile(socIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	node, err := nodename()
	if err != nil {
		return "", fmt.Errorf("device: detect machine: %w", err)
	}
	if node == "" {
		return "", &ResolveError{DeviceID: "", Err: ErrUnknownDevice}
	}
	return node, nil
}
