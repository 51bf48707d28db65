package rewards

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync/atomic"
)

// CodeSource produces the short human-relayable codes used to bind a
// customer to one specific pending transaction.
type CodeSource interface {
	PaymentCode() string
	CustomerCode() string
	LaneToken() string
}

type randomCodeSource struct{}

// NewRandomCodeSource returns the production code generator backed by
// crypto/rand. The payment alphabet omits easily-confused characters.
func NewRandomCodeSource() CodeSource {
	return randomCodeSource{}
}

func (randomCodeSource) PaymentCode() string {
	return randomFromAlphabet(paymentCodeAlphabet, paymentCodeLength)
}

func (randomCodeSource) CustomerCode() string {
	return randomFromAlphabet(customerCodeDigits, customerCodeLength)
}

func (randomCodeSource) LaneToken() string {
	return randomFromAlphabet(paymentCodeAlphabet, laneTokenLength)
}

func randomFromAlphabet(alphabet string, length int) string {
	buffer := make([]byte, length)
	alphabetSize := big.NewInt(int64(len(alphabet)))
	for index := range buffer {
		position, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			// crypto/rand only fails when the platform entropy source is
			// broken; there is no useful recovery for code generation.
			panic(err)
		}
		buffer[index] = alphabet[position.Int64()]
	}
	return string(buffer)
}

type sequentialCodeSource struct {
	counter atomic.Int64
}

// NewSequentialCodeSource returns a deterministic generator for simulated
// mode and tests.
func NewSequentialCodeSource() CodeSource {
	return &sequentialCodeSource{}
}

func (source *sequentialCodeSource) PaymentCode() string {
	return fmt.Sprintf("PAY%03d", source.counter.Add(1))
}

func (source *sequentialCodeSource) CustomerCode() string {
	return fmt.Sprintf("%06d", source.counter.Add(1))
}

func (source *sequentialCodeSource) LaneToken() string {
	return fmt.Sprintf("L%03d", source.counter.Add(1))
}
