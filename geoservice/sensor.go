// Package geoservice implements the bound geolocation channel (§4.6):
// detecting a local location sensor, binding its evidence plus a fresh
// nonce into PCR 15, and returning the claim.
package geoservice

import (
	"os"
	"os/exec"
	"strings"
)

// SensorType names which kind of location sensor was detected.
type SensorType string

const (
	SensorMobile SensorType = "mobile"
	SensorGNSS   SensorType = "gnss"
)

// sensorKeywords is scanned for in the USB enumeration output; any match
// identifies a mobile or GNSS sensor is attached (§4.6 step 2).
var sensorKeywords = []string{"mobile", "gnss", "gps", "nmea"}

// Detector scans for a local location sensor the same way for both the
// attested geolocation endpoint and the identity-quote's non-attested
// summary (§4.6: "The two MUST use the same sensor detection function").
type Detector struct {
	USBEnumCommand  []string
	GNSSDevicePaths []string
	InfoScriptPath  string
	fileExists      func(string) bool
	runCommand      func(name string, args ...string) ([]byte, error)
}

// NewDetector builds a Detector from configuration. fileExists and
// runCommand default to real filesystem/process calls; tests override
// them to avoid depending on actual hardware.
func NewDetector(usbEnumCommand, gnssDevicePaths []string, infoScriptPath string) *Detector {
	return &Detector{
		USBEnumCommand:  usbEnumCommand,
		GNSSDevicePaths: gnssDevicePaths,
		InfoScriptPath:  infoScriptPath,
		fileExists:      defaultFileExists,
		runCommand:      defaultRunCommand,
	}
}

// Detected is the outcome of sensor detection: which type, if any, and an
// identifier for it.
type Detected struct {
	Type     SensorType
	SensorID string
}

// Detect scans USB enumeration output for known sensor keywords, falling
// back to probing a fixed list of GNSS device node paths (§4.6 step 2).
func (d *Detector) Detect() (Detected, bool) {
	if len(d.USBEnumCommand) > 0 {
		out, err := d.runCommand(d.USBEnumCommand[0], d.USBEnumCommand[1:]...)
		if err == nil {
			lower := strings.ToLower(string(out))
			for _, kw := range sensorKeywords {
				if strings.Contains(lower, kw) {
					if kw == "mobile" {
						return Detected{Type: SensorMobile, SensorID: "usb-mobile"}, true
					}
					return Detected{Type: SensorGNSS, SensorID: "usb-" + kw}, true
				}
			}
		}
	}

	for _, path := range d.GNSSDevicePaths {
		if d.fileExists(path) {
			return Detected{Type: SensorGNSS, SensorID: path}, true
		}
	}

	return Detected{}, false
}

// MobileInfo is what the configured information script reports for a
// mobile sensor (§4.6 step 3). Empty fields mean the script reported
// "Missing" or "Locked", tolerated as absent rather than an error.
type MobileInfo struct {
	IMEI string
	IMSI string
}

// QueryMobileInfo runs the configured information script and parses its
// "SIM IMEI: X" / "SIM IMSI: Y" output lines (§9 Design Notes: "bounded
// adapter" around the information script).
func (d *Detector) QueryMobileInfo() MobileInfo {
	var info MobileInfo
	if d.InfoScriptPath == "" {
		return info
	}
	out, err := d.runCommand(d.InfoScriptPath)
	if err != nil {
		return info
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "SIM IMEI:"):
			info.IMEI = cleanValue(strings.TrimPrefix(line, "SIM IMEI:"))
		case strings.HasPrefix(line, "SIM IMSI:"):
			info.IMSI = cleanValue(strings.TrimPrefix(line, "SIM IMSI:"))
		}
	}
	return info
}

func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "Missing" || v == "Locked" || v == "" {
		return ""
	}
	return v
}

func defaultFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func defaultRunCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}
