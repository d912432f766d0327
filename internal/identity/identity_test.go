package identity

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var testProgram = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestFindProgramAddressIsDeterministic(t *testing.T) {
	first, err := FindProgramAddress([][]byte{[]byte("treasury")}, testProgram)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	second, err := FindProgramAddress([][]byte{[]byte("treasury")}, testProgram)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if first != second {
		t.Fatalf("derivation is not deterministic: %+v vs %+v", first, second)
	}
	if !Verify(first.Address, testProgram, first.Bump, []byte("treasury")) {
		t.Fatalf("verify rejected canonical derivation")
	}
}

func TestDerivationSeparatesNamespaces(t *testing.T) {
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	a := MustFind(testProgram, []byte("identity"))
	b := MustFind(other, []byte("identity"))
	c := MustFind(testProgram, []byte("treasury"))
	if a.Address == b.Address {
		t.Fatalf("different programs must not share derived identities")
	}
	if a.Address == c.Address {
		t.Fatalf("different seeds must not share derived identities")
	}
}

func TestCreateProgramAddressRejectsOversizedSeeds(t *testing.T) {
	long := bytes.Repeat([]byte{1}, MaxSeedLength+1)
	if _, err := CreateProgramAddress([][]byte{long}, testProgram); err == nil {
		t.Fatalf("expected oversized seed to be rejected")
	}

	many := make([][]byte, MaxSeeds+1)
	for i := range many {
		many[i] = []byte{byte(i)}
	}
	if _, err := CreateProgramAddress(many, testProgram); err == nil {
		t.Fatalf("expected too many seeds to be rejected")
	}
}

func TestVerifyRejectsWrongBump(t *testing.T) {
	derived := MustFind(testProgram, []byte("oracle_state"))
	if Verify(derived.Address, testProgram, derived.Bump-1, []byte("oracle_state")) {
		t.Fatalf("verify accepted a non-canonical bump")
	}
}

func TestSeedsAppendsBump(t *testing.T) {
	derived := MustFind(testProgram, []byte("queue_authority"))
	seeds := derived.Seeds([]byte("queue_authority"))
	if len(seeds) != 2 || seeds[1][0] != derived.Bump {
		t.Fatalf("unexpected seeds: %v", seeds)
	}
	addr, err := CreateProgramAddress(seeds, testProgram)
	if err != nil || addr != derived.Address {
		t.Fatalf("seeds do not reproduce address: %v %s", err, addr.Hex())
	}
}
