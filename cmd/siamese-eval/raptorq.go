package main

import (
	"errors"

	rqq "github.com/xssnick/raptorq"
)

// Minimal wrapper over systematic RaptorQ used as the block-code baseline.
// The caller chooses K source symbols of L bytes per block and asks for
// repair symbols by id >= K.

type raptorqBlock struct {
	enc *rqq.Encoder
}

func newRaptorqBlock(data []byte, symbolBytes int) (*raptorqBlock, error) {
	if symbolBytes <= 0 {
		return nil, errors.New("bad symbol size")
	}
	rq := rqq.NewRaptorQ(uint32(symbolBytes))
	enc, err := rq.CreateEncoder(data)
	if err != nil {
		return nil, err
	}
	return &raptorqBlock{enc: enc}, nil
}

// symbol returns the bytes for symbol id; ids below BaseSymbolsNum are the
// systematic source symbols.
func (b *raptorqBlock) symbol(id uint32) []byte {
	return b.enc.GenSymbol(id)
}

func (b *raptorqBlock) sourceSymbols() uint32 {
	return b.enc.BaseSymbolsNum()
}

// decodeBlock feeds symbols until the library reports success.
// Returns the recovered data and the number of symbols consumed.
func decodeBlock(dataSize, symbolBytes int, symbols map[uint32][]byte) ([]byte, int, error) {
	rq := rqq.NewRaptorQ(uint32(symbolBytes))
	dec, err := rq.CreateDecoder(uint32(dataSize))
	if err != nil {
		return nil, 0, err
	}
	used := 0
	for id, data := range symbols {
		if _, err := dec.AddSymbol(id, data); err != nil {
			continue
		}
		used++
		ok, out, err := dec.Decode()
		if err == nil && ok {
			return out, used, nil
		}
	}
	return nil, used, errors.New("not enough symbols")
}
