package eth_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/splax/teamgate/internal/eth"
	"github.com/splax/teamgate/internal/eth/ethtest"
)

func TestChecksumVectors(t *testing.T) {
	is := is.New(t)
	for _, want := range []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	} {
		got, err := eth.ParseAddress(strings.ToLower(want))
		is.NoErr(err)
		is.Equal(got, want)

		got, err = eth.ParseAddress(want)
		is.NoErr(err)
		is.Equal(got, want)
	}
}

func TestParseAddressRejects(t *testing.T) {
	is := is.New(t)
	for _, in := range []string{
		"",
		"vitalik.eth",
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeA",
		"5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed00",
		"0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	} {
		_, err := eth.ParseAddress(in)
		is.True(errors.Is(err, eth.ErrInvalidAddress))
	}

	_, err := eth.ParseAddress("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	is.True(errors.Is(err, eth.ErrInvalidChecksum))
	is.True(!eth.IsAddress("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
}

func TestRecoverAddress(t *testing.T) {
	is := is.New(t)
	wallet := ethtest.NewWallet(t)
	msg := "hello teamgate"
	sig := wallet.Sign(msg)

	got, err := eth.RecoverAddress([]byte(msg), sig)
	is.NoErr(err)
	is.Equal(got, wallet.Address())
	is.NoErr(eth.VerifySignature(wallet.Address(), []byte(msg), sig))

	// v encoded as 0/1 is accepted too.
	raw := []byte(sig)
	last := raw[len(raw)-2:]
	if string(last) == "1b" {
		copy(last, "00")
	} else {
		copy(last, "01")
	}
	got, err = eth.RecoverAddress([]byte(msg), string(raw))
	is.NoErr(err)
	is.Equal(got, wallet.Address())
}

func TestVerifySignatureMismatch(t *testing.T) {
	is := is.New(t)
	signer := ethtest.NewWallet(t)
	other := ethtest.NewWallet(t)
	sig := signer.Sign("hello")

	is.True(errors.Is(eth.VerifySignature(other.Address(), []byte("hello"), sig), eth.ErrInvalidSignature))
	is.True(errors.Is(eth.VerifySignature(signer.Address(), []byte("hellO"), sig), eth.ErrInvalidSignature))
	is.True(errors.Is(eth.VerifySignature(signer.Address(), []byte("hello"), "0x1234"), eth.ErrInvalidSignature))
}

func TestNewKeySigner(t *testing.T) {
	is := is.New(t)
	signer, err := eth.NewKeySigner("0x0000000000000000000000000000000000000000000000000000000000000001")
	is.NoErr(err)
	is.Equal(signer.Address(), "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	is.NoErr(eth.VerifySignature(signer.Address(), []byte("gm"), signer.Sign("gm")))

	_, err = eth.NewKeySigner("0x1234")
	is.True(err != nil)
	_, err = eth.NewKeySigner(strings.Repeat("zz", 32))
	is.True(err != nil)
}
