package oracle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"xscrow/internal/errs"
)

var resultArgs = func() abi.Arguments {
	boolType, err := abi.NewType("bool", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: boolType}}
}()

// EncodeResult ABI-encodes a verification decision as a single bool word.
func EncodeResult(approved bool) []byte {
	out, err := resultArgs.Pack(approved)
	if err != nil {
		panic(err)
	}
	return out
}

func DecodeResult(data []byte) (bool, error) {
	values, err := resultArgs.Unpack(data)
	if err != nil {
		return false, errs.New(errs.CodeInvalidResult, fmt.Sprintf("decode result: %v", err))
	}
	approved, ok := values[0].(bool)
	if !ok {
		return false, errs.New(errs.CodeInvalidResult, fmt.Sprintf("decode result: unexpected %T", values[0]))
	}
	return approved, nil
}
