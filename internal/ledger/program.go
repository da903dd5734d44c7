package ledger

import (
	"fmt"
	"strconv"
	"time"
)

// Program builds instructions for the rumble program.
type Program struct {
	Addresses
	Admin PublicKey
}

func (p Program) adminAction(name string, rumbleID uint64, data []byte) (Instruction, error) {
	cfg, _, err := p.Config()
	if err != nil {
		return Instruction{}, err
	}
	rumble, _, err := p.Rumble(rumbleID)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{
		ProgramID: p.ProgramID,
		Accounts: []AccountMeta{
			{PublicKey: p.Admin, IsSigner: true, IsWritable: true},
			{PublicKey: cfg, IsWritable: true},
			{PublicKey: rumble, IsWritable: true},
		},
		Data: data,
	}, nil
}

func (p Program) CreateRumble(rumbleID uint64, fighters []PublicKey, deadline time.Time) (Instruction, error) {
	if len(fighters) < 2 || len(fighters) > MaxFighters {
		return Instruction{}, fmt.Errorf("fighter count %d not in [2,%d]", len(fighters), MaxFighters)
	}
	cfg, _, err := p.Config()
	if err != nil {
		return Instruction{}, err
	}
	rumble, _, err := p.Rumble(rumbleID)
	if err != nil {
		return Instruction{}, err
	}
	data := newInstruction("create_rumble").u64(rumbleID).pubkeys(fighters).i64(deadline.Unix()).Bytes()
	return Instruction{
		ProgramID: p.ProgramID,
		Accounts: []AccountMeta{
			{PublicKey: p.Admin, IsSigner: true, IsWritable: true},
			{PublicKey: cfg},
			{PublicKey: rumble, IsWritable: true},
			{PublicKey: SystemProgramID},
		},
		Data: data,
	}, nil
}

func (p Program) StartCombat(rumbleID uint64) (Instruction, error) {
	return p.adminAction("start_combat", rumbleID, newInstruction("start_combat").Bytes())
}

func (p Program) ReportResult(rumbleID uint64, placements []uint8, winner uint8) (Instruction, error) {
	if int(winner) >= len(placements) || placements[winner] != 1 {
		return Instruction{}, fmt.Errorf("winner %d does not hold first place", winner)
	}
	data := newInstruction("report_result").bytes(placements).u8(winner).Bytes()
	return p.adminAction("report_result", rumbleID, data)
}

func (p Program) CompleteRumble(rumbleID uint64) (Instruction, error) {
	return p.adminAction("complete_rumble", rumbleID, newInstruction("complete_rumble").Bytes())
}

func (p Program) PlaceBet(rumbleID uint64, bettor, treasury, fighter PublicKey, fighterIndex uint8, lamports uint64) (Instruction, error) {
	rumble, _, err := p.Rumble(rumbleID)
	if err != nil {
		return Instruction{}, err
	}
	vault, _, err := p.Vault(rumbleID)
	if err != nil {
		return Instruction{}, err
	}
	cfg, _, err := p.Config()
	if err != nil {
		return Instruction{}, err
	}
	sponsorship, _, err := p.Sponsorship(fighter)
	if err != nil {
		return Instruction{}, err
	}
	bettorAcct, _, err := p.Bettor(rumbleID, bettor)
	if err != nil {
		return Instruction{}, err
	}
	data := newInstruction("place_bet").u64(rumbleID).u8(fighterIndex).u64(lamports).Bytes()
	return Instruction{
		ProgramID: p.ProgramID,
		Accounts: []AccountMeta{
			{PublicKey: bettor, IsSigner: true, IsWritable: true},
			{PublicKey: rumble, IsWritable: true},
			{PublicKey: vault, IsWritable: true},
			{PublicKey: treasury, IsWritable: true},
			{PublicKey: cfg},
			{PublicKey: sponsorship, IsWritable: true},
			{PublicKey: bettorAcct, IsWritable: true},
			{PublicKey: SystemProgramID},
		},
		Data: data,
	}, nil
}

// TurnMemo anchors a commit or reveal in a memo so the turn history can be
// audited against the ledger. The admin key signs it.
func TurnMemo(admin PublicKey, rumbleID uint64, fighterID string, turn int, kind, payload string) Instruction {
	text := "rumble:" + strconv.FormatUint(rumbleID, 10) +
		":turn:" + strconv.Itoa(turn) +
		":" + kind + ":" + fighterID + ":" + payload
	return Instruction{
		ProgramID: MemoProgramID,
		Accounts:  []AccountMeta{{PublicKey: admin, IsSigner: true}},
		Data:      []byte(text),
	}
}
