package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/meshgan/model"
)

// Wire layout of a checkpoint file. The JSON header carries the small
// metadata (counters, curves, args); weight and optimizer payloads are
// packed binary to keep large checkpoints compact.
//
//	field 1 (bytes):   JSON header
//	field 2 (message): weight section {1: name, 2: repeated tensor}
//	field 3 (message): optimizer section {1: name, 2: type, 3: step, 4: repeated tensor}
//
// Tensor message: {1: name, 2: kind, 3: packed shape, 4: float32 payload, 5: packed int32 payload}.
const (
	fieldHeader    = 1
	fieldWeights   = 2
	fieldOptimizer = 3

	tensorName  = 1
	tensorKind  = 2
	tensorShape = 3
	tensorFloat = 4
	tensorInt   = 5

	sectionName    = 1
	sectionTensors = 2

	optName    = 1
	optType    = 2
	optStep    = 3
	optTensors = 4
)

type header struct {
	Counters   *Counters              `json:"counters,omitempty"`
	GCurve     []float64              `json:"g_curve"`
	DFakeCurve []float64              `json:"d_fake_curve"`
	DRealCurve []float64              `json:"d_real_curve"`
	FlatCurve  []float64              `json:"flat_curve"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Metadata   Metadata               `json:"metadata"`
}

// Encode serializes a checkpoint to its wire format.
func Encode(chk *Checkpoint) ([]byte, error) {
	h := header{
		Counters:   chk.Counters,
		GCurve:     chk.GCurve,
		DFakeCurve: chk.DFakeCurve,
		DRealCurve: chk.DRealCurve,
		FlatCurve:  chk.FlatCurve,
		Args:       chk.Args,
		Metadata:   chk.Metadata,
	}
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint header: %v", err)
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldHeader, protowire.BytesType)
	buf = protowire.AppendBytes(buf, headerJSON)

	sections := []struct {
		name    string
		weights []WeightTensor
	}{
		{"generator", chk.Generator},
		{"generator_running_avg", chk.GeneratorAvg},
		{"discriminator", chk.Discriminator},
		{"text_encoder", chk.TextEncoder},
		{"text_encoder_g", chk.TextEncoderG},
		{"text_encoder_d", chk.TextEncoderD},
	}
	for _, s := range sections {
		if s.weights == nil {
			continue
		}
		var section []byte
		section = protowire.AppendTag(section, sectionName, protowire.BytesType)
		section = protowire.AppendString(section, s.name)
		for _, w := range s.weights {
			section = protowire.AppendTag(section, sectionTensors, protowire.BytesType)
			section = protowire.AppendBytes(section, encodeTensor(w))
		}
		buf = protowire.AppendTag(buf, fieldWeights, protowire.BytesType)
		buf = protowire.AppendBytes(buf, section)
	}

	optimizers := []struct {
		name  string
		state *OptimizerState
	}{
		{"optimizer_g", chk.OptimizerG},
		{"optimizer_d", chk.OptimizerD},
	}
	for _, o := range optimizers {
		if o.state == nil {
			continue
		}
		var section []byte
		section = protowire.AppendTag(section, optName, protowire.BytesType)
		section = protowire.AppendString(section, o.name)
		section = protowire.AppendTag(section, optType, protowire.BytesType)
		section = protowire.AppendString(section, o.state.Type)
		section = protowire.AppendTag(section, optStep, protowire.VarintType)
		section = protowire.AppendVarint(section, uint64(o.state.Step))
		for _, w := range o.state.State {
			section = protowire.AppendTag(section, optTensors, protowire.BytesType)
			section = protowire.AppendBytes(section, encodeTensor(w))
		}
		buf = protowire.AppendTag(buf, fieldOptimizer, protowire.BytesType)
		buf = protowire.AppendBytes(buf, section)
	}

	return buf, nil
}

func encodeTensor(w WeightTensor) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, tensorName, protowire.BytesType)
	buf = protowire.AppendString(buf, w.Name)
	buf = protowire.AppendTag(buf, tensorKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(w.Kind))

	var shape []byte
	for _, dim := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(dim))
	}
	buf = protowire.AppendTag(buf, tensorShape, protowire.BytesType)
	buf = protowire.AppendBytes(buf, shape)

	if w.FloatData != nil {
		var payload []byte
		for _, v := range w.FloatData {
			payload = protowire.AppendFixed32(payload, math.Float32bits(v))
		}
		buf = protowire.AppendTag(buf, tensorFloat, protowire.BytesType)
		buf = protowire.AppendBytes(buf, payload)
	}
	if w.IntData != nil {
		var payload []byte
		for _, v := range w.IntData {
			payload = protowire.AppendVarint(payload, protowire.EncodeZigZag(int64(v)))
		}
		buf = protowire.AppendTag(buf, tensorInt, protowire.BytesType)
		buf = protowire.AppendBytes(buf, payload)
	}
	return buf
}

// Decode parses a checkpoint from its wire format.
func Decode(raw []byte) (*Checkpoint, error) {
	chk := &Checkpoint{}
	sawHeader := false

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("corrupt checkpoint: bad tag")
		}
		raw = raw[n:]

		if typ != protowire.BytesType {
			return nil, fmt.Errorf("corrupt checkpoint: field %d has unexpected wire type %d", num, typ)
		}
		payload, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("corrupt checkpoint: bad field %d payload", num)
		}
		raw = raw[n:]

		switch num {
		case fieldHeader:
			var h header
			if err := json.Unmarshal(payload, &h); err != nil {
				return nil, fmt.Errorf("corrupt checkpoint header: %v", err)
			}
			chk.Counters = h.Counters
			chk.GCurve = h.GCurve
			chk.DFakeCurve = h.DFakeCurve
			chk.DRealCurve = h.DRealCurve
			chk.FlatCurve = h.FlatCurve
			chk.Args = h.Args
			chk.Metadata = h.Metadata
			sawHeader = true
		case fieldWeights:
			name, weights, err := decodeWeightSection(payload)
			if err != nil {
				return nil, err
			}
			switch name {
			case "generator":
				chk.Generator = weights
			case "generator_running_avg":
				chk.GeneratorAvg = weights
			case "discriminator":
				chk.Discriminator = weights
			case "text_encoder":
				chk.TextEncoder = weights
			case "text_encoder_g":
				chk.TextEncoderG = weights
			case "text_encoder_d":
				chk.TextEncoderD = weights
			default:
				return nil, fmt.Errorf("unknown weight section %q", name)
			}
		case fieldOptimizer:
			name, state, err := decodeOptimizerSection(payload)
			if err != nil {
				return nil, err
			}
			switch name {
			case "optimizer_g":
				chk.OptimizerG = state
			case "optimizer_d":
				chk.OptimizerD = state
			default:
				return nil, fmt.Errorf("unknown optimizer section %q", name)
			}
		default:
			// Unknown fields are skipped for forward compatibility.
		}
	}

	if !sawHeader {
		return nil, fmt.Errorf("corrupt checkpoint: missing header")
	}
	return chk, nil
}

func decodeWeightSection(raw []byte) (string, []WeightTensor, error) {
	var name string
	var weights []WeightTensor
	for len(raw) > 0 {
		num, _, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return "", nil, fmt.Errorf("corrupt weight section")
		}
		raw = raw[n:]
		payload, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return "", nil, fmt.Errorf("corrupt weight section payload")
		}
		raw = raw[n:]

		switch num {
		case sectionName:
			name = string(payload)
		case sectionTensors:
			w, err := decodeTensor(payload)
			if err != nil {
				return "", nil, err
			}
			weights = append(weights, w)
		}
	}
	if name == "" {
		return "", nil, fmt.Errorf("weight section has no name")
	}
	return name, weights, nil
}

func decodeOptimizerSection(raw []byte) (string, *OptimizerState, error) {
	var name string
	state := &OptimizerState{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return "", nil, fmt.Errorf("corrupt optimizer section")
		}
		raw = raw[n:]

		switch num {
		case optStep:
			if typ != protowire.VarintType {
				return "", nil, fmt.Errorf("corrupt optimizer step")
			}
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return "", nil, fmt.Errorf("corrupt optimizer step")
			}
			raw = raw[n:]
			state.Step = int64(v)
		default:
			payload, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return "", nil, fmt.Errorf("corrupt optimizer payload")
			}
			raw = raw[n:]
			switch num {
			case optName:
				name = string(payload)
			case optType:
				state.Type = string(payload)
			case optTensors:
				w, err := decodeTensor(payload)
				if err != nil {
					return "", nil, err
				}
				state.State = append(state.State, w)
			}
		}
	}
	if name == "" {
		return "", nil, fmt.Errorf("optimizer section has no name")
	}
	return name, state, nil
}

func decodeTensor(raw []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return w, fmt.Errorf("corrupt tensor record")
		}
		raw = raw[n:]

		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return w, fmt.Errorf("corrupt tensor varint")
			}
			raw = raw[n:]
			if num == tensorKind {
				w.Kind = model.ParamKind(v)
			}
			continue
		}

		payload, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return w, fmt.Errorf("corrupt tensor payload")
		}
		raw = raw[n:]

		switch num {
		case tensorName:
			w.Name = string(payload)
		case tensorShape:
			for len(payload) > 0 {
				dim, n := protowire.ConsumeVarint(payload)
				if n < 0 {
					return w, fmt.Errorf("corrupt tensor shape")
				}
				payload = payload[n:]
				w.Shape = append(w.Shape, int(dim))
			}
		case tensorFloat:
			if len(payload)%4 != 0 {
				return w, fmt.Errorf("corrupt float payload of %d bytes", len(payload))
			}
			w.FloatData = make([]float32, 0, len(payload)/4)
			for len(payload) > 0 {
				bits, n := protowire.ConsumeFixed32(payload)
				if n < 0 {
					return w, fmt.Errorf("corrupt float payload")
				}
				payload = payload[n:]
				w.FloatData = append(w.FloatData, math.Float32frombits(bits))
			}
		case tensorInt:
			w.IntData = []int32{}
			for len(payload) > 0 {
				v, n := protowire.ConsumeVarint(payload)
				if n < 0 {
					return w, fmt.Errorf("corrupt int payload")
				}
				payload = payload[n:]
				w.IntData = append(w.IntData, int32(protowire.DecodeZigZag(v)))
			}
		}
	}
	if w.Name == "" {
		return w, fmt.Errorf("tensor record has no name")
	}
	return w, nil
}
