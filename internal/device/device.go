// Package device resolves an i.MX machine identifier into the set of
// accelerators available on it.
//
// The resolved CapabilitySet is an immutable value. Callers query it through
// accessor methods instead of re-deriving feature predicates from the SoC id,
// so the device/feature truth table lives in exactly one place (socTable).
package device

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrUnknownDevice is returned when the identifier matches no i.MX part.
	ErrUnknownDevice = errors.New("device: unknown device")
	// ErrUnsupportedFamily is returned when the identifier looks like an
	// i.MX part but its family is not one of imx8, imx93 or imx95.
	ErrUnsupportedFamily = errors.New("device: unsupported family")
)

// ResolveError carries the identifier that failed resolution.
type ResolveError struct {
	DeviceID string
	Err      error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s [%s]", e.Err.Error(), e.DeviceID)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// SoC enumerates the supported i.MX parts.
type SoC int

const (
	SoCUnknown SoC = iota
	IMX8MQ
	IMX8MM
	IMX8MN
	IMX8MP
	IMX8ULP
	IMX8QM
	IMX8QXP
	IMX93
	IMX95
)

func (s SoC) String() string {
	if info, ok := socTable[s]; ok {
		return info.id
	}
	return "UNKNOWN"
}

// Family groups SoCs sharing accelerator quirks.
type Family string

const (
	FamilyIMX8  Family = "imx8"
	FamilyIMX93 Family = "imx93"
	FamilyIMX95 Family = "imx95"
)

// Accelerator names a hardware tier able to run video primitives.
// The string value is the imxvideoconvert/imxcompositor element suffix.
type Accelerator string

const (
	AccelGPU3D Accelerator = "ocl"
	AccelG2D   Accelerator = "g2d"
	AccelPXP   Accelerator = "pxp"
	AccelCPU   Accelerator = "cpu"
)

type socInfo struct {
	id      string
	name    string
	family  Family
	pattern string
	gpu2d   bool
	gpu3d   bool
	npu     bool
}

var socTable = map[SoC]socInfo{
	IMX8MQ:  {id: "IMX8MQ", name: "i.MX 8M Quad", family: FamilyIMX8, pattern: "imx8mq", gpu3d: true},
	IMX8MM:  {id: "IMX8MM", name: "i.MX 8M Mini", family: FamilyIMX8, pattern: "imx8mm", gpu2d: true, gpu3d: true},
	IMX8MN:  {id: "IMX8MN", name: "i.MX 8M Nano", family: FamilyIMX8, pattern: "imx8mn", gpu3d: true},
	IMX8MP:  {id: "IMX8MP", name: "i.MX 8M Plus", family: FamilyIMX8, pattern: "imx8mp", gpu2d: true, gpu3d: true, npu: true},
	IMX8ULP: {id: "IMX8ULP", name: "i.MX 8ULP", family: FamilyIMX8, pattern: "imx8ulp", gpu2d: true, gpu3d: true},
	IMX8QM:  {id: "IMX8QM", name: "i.MX 8QuadMax", family: FamilyIMX8, pattern: "imx8qm", gpu2d: true, gpu3d: true},
	IMX8QXP: {id: "IMX8QXP", name: "i.MX 8QuadXPlus", family: FamilyIMX8, pattern: "imx8qxp", gpu2d: true, gpu3d: true},
	IMX93:   {id: "IMX93", name: "i.MX 93", family: FamilyIMX93, pattern: "imx93", gpu2d: true, npu: true},
	IMX95:   {id: "IMX95", name: "i.MX 95", family: FamilyIMX95, pattern: "imx95", gpu2d: true, gpu3d: true, npu: true},
}

// matchOrder is the order in which machine patterns are tried. The last
// match wins.
var matchOrder = []SoC{IMX8MQ, IMX8MM, IMX8MN, IMX8MP, IMX8ULP, IMX8QM, IMX8QXP, IMX93, IMX95}

// genericPart matches any i.MX-looking identifier once normalized.
var genericPart = regexp.MustCompile(`imx\d+`)

// CapabilitySet describes the accelerators of one resolved SoC.
// The zero value is not valid; obtain one through Resolve.
type CapabilitySet struct {
	soc    SoC
	name   string
	family Family

	gpu2d   bool
	gpu3d   bool
	npu     bool
	g2d     bool
	pxp     bool
	gpuML   bool
	vsiGPU  bool
	vsiNPU  bool
	ethosU  bool
	neutron bool
}

// Resolve maps a machine name (uname nodename, e.g. "imx8mpevk") or an SoC
// id (e.g. "i.MX8MP") to its CapabilitySet.
//
// Resolution is pure: the same identifier always yields an identical value.
// It fails with ErrUnknownDevice when nothing matches and with
// ErrUnsupportedFamily when the identifier names an i.MX part outside the
// imx8, imx93 and imx95 families (e.g. imx6ul, imx7d, imx91).
func Resolve(deviceID string) (CapabilitySet, error) {
	machine := normalize(deviceID)

	soc := SoCUnknown
	for _, candidate := range matchOrder {
		if strings.Contains(machine, socTable[candidate].pattern) {
			soc = candidate
		}
	}

	if soc == SoCUnknown {
		if genericPart.MatchString(machine) {
			return CapabilitySet{}, &ResolveError{DeviceID: deviceID, Err: ErrUnsupportedFamily}
		}
		return CapabilitySet{}, &ResolveError{DeviceID: deviceID, Err: ErrUnknownDevice}
	}

	return newCapabilitySet(soc), nil
}

func normalize(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.ReplaceAll(s, "i.mx", "imx")
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.', '-', '_':
			return -1
		}
		return r
	}, s)
}

func newCapabilitySet(soc SoC) CapabilitySet {
	info := socTable[soc]
	c := CapabilitySet{
		soc:    soc,
		name:   info.name,
		family: info.family,
		gpu2d:  info.gpu2d,
		gpu3d:  info.gpu3d,
		npu:    info.npu,
	}

	// GPU is not usable for ML on 8M Mini and 8ULP.
	c.gpuML = c.gpu3d && soc != IMX8MM && soc != IMX8ULP
	c.vsiGPU = c.gpuML && c.family == FamilyIMX8
	c.vsiNPU = soc == IMX8MP
	c.ethosU = soc == IMX93
	c.neutron = soc == IMX95
	c.g2d = (c.family == FamilyIMX8 && soc != IMX8MQ) || c.family == FamilyIMX95
	c.pxp = soc == IMX93
	return c
}

// SoC returns the resolved part.
func (c CapabilitySet) SoC() SoC { return c.soc }

// Name returns the marketing name, e.g. "i.MX 8M Plus".
func (c CapabilitySet) Name() string { return c.name }

// Family returns the SoC family.
func (c CapabilitySet) Family() Family { return c.family }

func (c CapabilitySet) IsIMX8() bool  { return c.family == FamilyIMX8 }
func (c CapabilitySet) IsIMX93() bool { return c.family == FamilyIMX93 }
func (c CapabilitySet) IsIMX95() bool { return c.family == FamilyIMX95 }

// HasGPU2D reports a 2D GPU core.
func (c CapabilitySet) HasGPU2D() bool { return c.gpu2d }

// HasGPU3D reports a 3D GPU usable through the OpenCL video converter.
func (c CapabilitySet) HasGPU3D() bool { return c.gpu3d }

// HasG2D reports the 2D composition engine (imxvideoconvert_g2d).
func (c CapabilitySet) HasG2D() bool { return c.g2d }

// HasPXP reports the pixel processing engine (imxvideoconvert_pxp).
func (c CapabilitySet) HasPXP() bool { return c.pxp }

// HasGPUML reports whether the GPU can accelerate inference.
func (c CapabilitySet) HasGPUML() bool { return c.gpuML }

// HasVsiGPU reports a VeriSilicon GPU usable through the VX delegate.
func (c CapabilitySet) HasVsiGPU() bool { return c.vsiGPU }

// HasNPU reports any neural accelerator.
func (c CapabilitySet) HasNPU() bool { return c.npu }

// HasVsiNPU reports the VeriSilicon NPU (variant A).
func (c CapabilitySet) HasVsiNPU() bool { return c.vsiNPU }

// HasEthosNPU reports the Arm Ethos-U NPU (variant B).
func (c CapabilitySet) HasEthosNPU() bool { return c.ethosU }

// HasNeutronNPU reports the Neutron NPU (variant C).
func (c CapabilitySet) HasNeutronNPU() bool { return c.neutron }

// Has reports whether accel can run video primitives on this device.
// AccelCPU is always available.
func (c CapabilitySet) Has(accel Accelerator) bool {
	switch accel {
	case AccelGPU3D:
		return c.gpu3d
	case AccelG2D:
		return c.g2d
	case AccelPXP:
		return c.pxp
	case AccelCPU:
		return true
	default:
		return false
	}
}

func (c CapabilitySet) String() string {
	return fmt.Sprintf("%s (%s) g2d=%t gpu3d=%t pxp=%t npu=%t",
		c.name, c.family, c.g2d, c.gpu3d, c.pxp, c.npu)
}
