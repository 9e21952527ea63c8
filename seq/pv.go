package seq

import "fmt"

// PV templates for the power supply module.  All contain the lab{1} token
// and must be resolved with Config.PV before use.
const (
	pvNumChannels = "lab{1}NumChannels-Mode"
	pvResolution  = "lab{1}Resolution-Mode"
	pvBandwidth   = "lab{1}Bandwidth-Mode"
	pvPolarity    = "lab{1}Polarity-Mode"

	// timestamp counter on the event receiver
	pvEVR = "lab{1}TS-S-I"

	pvFOFBIPAddr = "lab{1}FOFB:IPaddr-SP"
)

// metaPVs are read as strings for the device configuration table at the
// top of the report
var metaPVs = []string{pvNumChannels, pvResolution, pvBandwidth, pvPolarity}

// waveformSignals are the user snapshot buffers pulled per channel after
// every snapshot trigger
var waveformSignals = []string{
	"DCCT1-Wfm", "DCCT2-Wfm", "DAC-Wfm", "Volt-Wfm",
	"Gnd-Wfm", "Spare-Wfm", "Reg-Wfm", "Error-Wfm",
}

func pvSetpoint(ch int) string {
	return fmt.Sprintf("lab{1}Chan%d:DAC_SetPt-SP", ch)
}

func pvReadback(ch int) string {
	return fmt.Sprintf("lab{1}Chan%d:DAC-I", ch)
}

func pvOpMode(ch int) string {
	return fmt.Sprintf("lab{1}Chan%d:DAC_OpMode-SP", ch)
}

// pvDigOut addresses a digital output line; line is ON1 (supply), ON2
// (enable) or Park
func pvDigOut(ch int, line string) string {
	return fmt.Sprintf("lab{1}Chan%d:DigOut_%s-SP", ch, line)
}

func pvTrigger(ch int) string {
	return fmt.Sprintf("lab{1}Chan%d:SS:Trig:Usr", ch)
}

func pvRampRate(ch int) string {
	return fmt.Sprintf("lab{1}Chan%d:SF:AmpsperSec-SP", ch)
}

func pvFOFBFastAddr(ch int) string {
	return fmt.Sprintf("lab{1}Chan%d:FOFB:FastAddr-SP", ch)
}

// pvWaveform addresses one user waveform buffer, e.g.
// lab{1}Chan1:USR:DCCT1-Wfm
func pvWaveform(ch int, signal string) string {
	return fmt.Sprintf("lab{1}Chan%d:USR:%s", ch, signal)
}
