// Package fma1600 talks to Omega FMA1600 series mass flow meter
// over ASCII serial protocol.
//
// Query "A\r" is answered with fixed length space separated record:
//   A +042.81 +022.70 +000000 +000000     CH4\r
//   ^ unit id
//     ^ pressure, psia
//             ^ temperature, °C
//                     ^ volumetric flow
//                             ^ mass flow, standard liters per minute
//                                            ^ gas
// Tare "A$$V\r" has no reply.
package fma1600

import (
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	ReplyLen = 42

	PsiToBar = 0.0689476

	UnitPressure    = "bar"
	UnitTemperature = "°C"
	UnitFlow        = "nlpm"
)

var (
	TareCommand  = []byte("A$$V\r")
	QueryCommand = []byte("A\r")
)

const (
	tokenUnitId = iota
	tokenPressure
	tokenTemperature
	tokenVolumetricFlow
	tokenMassFlow
	minTokens = tokenVolumetricFlow + 1
)

// Reading is one poll result in published units.
type Reading struct {
	Pressure    float64 // bar
	Temperature float64 // °C
	Flow        float64 // nlpm
}

// Reply is decoded query response frame, as sent by instrument.
type Reply struct {
	UnitId         string
	PressureRaw    float64 // psia
	Temperature    float64
	VolumetricFlow float64
	MassFlow       float64
	HasMassFlow    bool
	Gas            string
}

// Reading converts pressure to bar, other values pass as is.
// Flow is volumetric flow token, mass flow is not published.
func (r Reply) Reading() Reading {
	return Reading{
		Pressure:    PsiToBar * r.PressureRaw,
		Temperature: r.Temperature,
		Flow:        r.VolumetricFlow,
	}
}

// ParseReply splits frame on single space, so runs of spaces produce empty tokens.
// Tokens 1..3 are required, mass flow and gas are optional.
// Surrounding whitespace of a token (trailing \r) is ignored.
func ParseReply(frame []byte) (Reply, error) {
	r := Reply{}
	tokens := strings.Split(string(frame), " ")
	if len(tokens) < minTokens {
		return r, errors.NotValidf("fma1600 reply=%q tokens=%d expected at least %d", frame, len(tokens), minTokens)
	}
	r.UnitId = tokens[tokenUnitId]

	required := []struct {
		index int
		name  string
		dst   *float64
	}{
		{tokenPressure, "pressure", &r.PressureRaw},
		{tokenTemperature, "temperature", &r.Temperature},
		{tokenVolumetricFlow, "flow", &r.VolumetricFlow},
	}
	for _, x := range required {
		f, err := strconv.ParseFloat(strings.TrimSpace(tokens[x.index]), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return r, errors.NotValidf("fma1600 reply=%q %s=%q", frame, x.name, tokens[x.index])
		}
		*x.dst = f
	}

	if len(tokens) > tokenMassFlow {
		if f, err := strconv.ParseFloat(strings.TrimSpace(tokens[tokenMassFlow]), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			r.MassFlow, r.HasMassFlow = f, true
		}
	}
	for i := len(tokens) - 1; i > tokenMassFlow; i-- {
		if s := strings.TrimSpace(tokens[i]); s != "" {
			r.Gas = s
			break
		}
	}
	return r, nil
}

// DecodeReply fails with errors.IsNotValid() on malformed frame.
func DecodeReply(frame []byte) (Reading, error) {
	r, err := ParseReply(frame)
	if err != nil {
		return Reading{}, err
	}
	return r.Reading(), nil
}
