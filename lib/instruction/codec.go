package instruction

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrMalformed is returned when a frame body is not a decodable
	// instruction.
	ErrMalformed = errors.New("instruction: malformed")

	// ErrInvalidInstruction is returned when an instruction decodes but
	// lacks fields its kind requires.
	ErrInvalidInstruction = errors.New("instruction: invalid")

	// ErrIncompatibleAPI is returned by InitData.Validate when the
	// plugin's API major version differs from APIVersion.
	ErrIncompatibleAPI = errors.New("instruction: incompatible plugin API version")

	// ErrInvalidInit is returned by InitData.Validate for incomplete
	// init data.
	ErrInvalidInit = errors.New("instruction: invalid init data")
)

// Core Deterministic Encoding (RFC 8949 §4.2): the same instruction
// always encodes to the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("instruction: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("instruction: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode validates in and returns its CBOR encoding.
func Encode(in Instruction) ([]byte, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("instruction: encode %s: %w", in.Kind, err)
	}
	return data, nil
}

// Decode parses a frame body. Bodies that are not a single CBOR map of
// the instruction shape yield ErrMalformed; well-formed instructions
// missing required fields yield ErrInvalidInstruction.
func Decode(body []byte) (Instruction, error) {
	var in Instruction
	if len(body) == 0 {
		return in, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := decMode.Unmarshal(body, &in); err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := in.Validate(); err != nil {
		return Instruction{}, err
	}
	return in, nil
}

// Validate checks that the fields required by in.Kind are present.
func (in Instruction) Validate() error {
	switch in.Kind {
	case KindInit:
		if in.Init == nil {
			return fmt.Errorf("%w: init without init data", ErrInvalidInstruction)
		}
	case KindRequest:
		if in.ID == 0 {
			return fmt.Errorf("%w: request without id", ErrInvalidInstruction)
		}
		if in.Op == "" {
			return fmt.Errorf("%w: request %d without operation", ErrInvalidInstruction, in.ID)
		}
	case KindResponse:
		if in.ID == 0 {
			return fmt.Errorf("%w: response without id", ErrInvalidInstruction)
		}
		if !in.OK && in.Error == "" {
			return fmt.Errorf("%w: failed response %d without error message", ErrInvalidInstruction, in.ID)
		}
	case KindError:
		if in.Error == "" {
			return fmt.Errorf("%w: error instruction without message", ErrInvalidInstruction)
		}
	case KindEvent, KindKeepalive, KindShutdown:
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidInstruction, in.Kind)
	}
	return nil
}
