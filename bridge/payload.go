package bridge

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/temoto/flowbridge/hardware/fma1600"
)

type Quantity struct {
	Value float64 `json:"Value"`
	Unit  string  `json:"Unit"`
}

// DataAll field order is wire order.
type DataAll struct {
	Pressure    Quantity `json:"Pressure"`
	Temperature Quantity `json:"Temperature"`
	Flow        Quantity `json:"Flow"`
}

func NewDataAll(r fma1600.Reading) DataAll {
	return DataAll{
		Pressure:    Quantity{Value: r.Pressure, Unit: fma1600.UnitPressure},
		Temperature: Quantity{Value: r.Temperature, Unit: fma1600.UnitTemperature},
		Flow:        Quantity{Value: r.Flow, Unit: fma1600.UnitFlow},
	}
}

type message struct {
	topic   string
	payload []byte
}

// readingMessages returns messages in publish order, Flow is last.
func readingMessages(topics Topics, r fma1600.Reading) ([]message, error) {
	all := NewDataAll(r)
	parts := []struct {
		topic string
		v     interface{}
	}{
		{topics.DataAll(), all},
		{topics.DataPressure(), all.Pressure},
		{topics.DataTemperature(), all.Temperature},
		{topics.DataFlow(), all.Flow},
	}
	ms := make([]message, len(parts))
	for i, p := range parts {
		b, err := json.Marshal(p.v)
		if err != nil {
			return nil, errors.Annotatef(err, "json topic=%s", p.topic)
		}
		ms[i] = message{topic: p.topic, payload: b}
	}
	return ms, nil
}
