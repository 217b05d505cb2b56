package cryptocore

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Snapshots are the serialized ("pickled") forms of the ratchet structures.
// They carry secrets and must only be persisted through an encrypting codec.

type AccountSnapshot struct {
	OneTime map[string]X25519KeyPairState `json:"oneTime,omitempty"`
}

type X25519KeyPairState struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

type SessionSnapshot struct {
	RootKey        string             `json:"rootKey"`
	SendChain      ChainStateSnapshot `json:"sendChain"`
	RecvChain      ChainStateSnapshot `json:"recvChain"`
	RatchetPrivate string             `json:"ratchetPrivate"`
	RatchetPublic  string             `json:"ratchetPublic"`
	RemoteRatchet  string             `json:"remoteRatchet"`
	RemoteIdentity string             `json:"remoteIdentity"`
	PN             uint32             `json:"pn"`
	Role           SessionRole        `json:"role"`
	Skipped        map[string]string  `json:"skipped,omitempty"`
}

type ChainStateSnapshot struct {
	Key   string `json:"key"`
	Index uint32 `json:"index"`
}

type GroupSessionSnapshot struct {
	ID           string             `json:"id"`
	InitialChain string             `json:"initialChain"`
	Chain        ChainStateSnapshot `json:"chain"`
}

type InboundGroupSnapshot struct {
	ID         string             `json:"id"`
	FirstKnown ChainStateSnapshot `json:"firstKnown"`
}

// GroupKeyShareState is the wire form of a GroupKeyShare carried inside
// to-device payloads.
type GroupKeyShareState struct {
	SessionID       string `json:"sessionId"`
	FirstKnownIndex uint32 `json:"firstKnownIndex"`
	ChainKey        string `json:"chainKey"`
}

func (a *Account) Export() (*AccountSnapshot, error) {
	if a == nil {
		return nil, errors.New("cryptocore: nil account")
	}
	snap := &AccountSnapshot{OneTime: make(map[string]X25519KeyPairState, len(a.oneTime))}
	for id, kp := range a.oneTime {
		snap.OneTime[id.String()] = X25519KeyPairState{
			Private: base64.StdEncoding.EncodeToString(kp.Private[:]),
			Public:  base64.StdEncoding.EncodeToString(kp.Public[:]),
		}
	}
	if len(snap.OneTime) == 0 {
		snap.OneTime = nil
	}
	return snap, nil
}

func ImportAccount(snap *AccountSnapshot) (*Account, error) {
	if snap == nil {
		return nil, errors.New("cryptocore: nil account snapshot")
	}
	acc := NewAccount()
	for idStr, kp := range snap.OneTime {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("cryptocore: parse one-time key id: %w", err)
		}
		pair, err := importKeyPair(kp)
		if err != nil {
			return nil, err
		}
		acc.oneTime[id] = pair
	}
	return acc, nil
}

func ExportSession(state *SessionState) (*SessionSnapshot, error) {
	if state == nil {
		return nil, errors.New("cryptocore: nil session")
	}
	snap := &SessionSnapshot{
		RootKey:        base64.StdEncoding.EncodeToString(state.RootKey[:]),
		SendChain:      exportChain(state.SendChain),
		RecvChain:      exportChain(state.RecvChain),
		RatchetPrivate: base64.StdEncoding.EncodeToString(state.RatchetPrivate[:]),
		RatchetPublic:  base64.StdEncoding.EncodeToString(state.RatchetPublic[:]),
		RemoteRatchet:  base64.StdEncoding.EncodeToString(state.RemoteRatchet[:]),
		RemoteIdentity: base64.StdEncoding.EncodeToString(state.RemoteIdentity[:]),
		PN:             state.PN,
		Role:           state.Role,
		Skipped:        make(map[string]string, len(state.skipped)),
	}
	for k, v := range state.skipped {
		snap.Skipped[base64.StdEncoding.EncodeToString([]byte(k))] = base64.StdEncoding.EncodeToString(v[:])
	}
	if len(snap.Skipped) == 0 {
		snap.Skipped = nil
	}
	return snap, nil
}

func ImportSession(snap *SessionSnapshot) (*SessionState, error) {
	if snap == nil {
		return nil, errors.New("cryptocore: nil session snapshot")
	}
	sess := &SessionState{
		PN:      snap.PN,
		Role:    snap.Role,
		skipped: make(map[string][32]byte, len(snap.Skipped)),
	}
	var err error
	if sess.RootKey, err = decodeKey(snap.RootKey, "root key"); err != nil {
		return nil, err
	}
	if sess.SendChain, err = importChain(snap.SendChain); err != nil {
		return nil, err
	}
	if sess.RecvChain, err = importChain(snap.RecvChain); err != nil {
		return nil, err
	}
	if sess.RatchetPrivate, err = decodeKey(snap.RatchetPrivate, "ratchet private"); err != nil {
		return nil, err
	}
	if sess.RatchetPublic, err = decodeKey(snap.RatchetPublic, "ratchet public"); err != nil {
		return nil, err
	}
	if sess.RemoteRatchet, err = decodeKey(snap.RemoteRatchet, "remote ratchet"); err != nil {
		return nil, err
	}
	if sess.RemoteIdentity, err = decodeKey(snap.RemoteIdentity, "remote identity"); err != nil {
		return nil, err
	}
	for k, v := range snap.Skipped {
		name, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("cryptocore: decode skipped key name: %w", err)
		}
		key, err := decodeKey(v, "skipped key")
		if err != nil {
			return nil, err
		}
		sess.skipped[string(name)] = key
	}
	return sess, nil
}

func (g *GroupSession) Export() (*GroupSessionSnapshot, error) {
	if g == nil {
		return nil, errors.New("cryptocore: nil group session")
	}
	return &GroupSessionSnapshot{
		ID:           g.id.String(),
		InitialChain: base64.StdEncoding.EncodeToString(g.initialChain[:]),
		Chain:        exportChain(g.chain),
	}, nil
}

func ImportGroupSession(snap *GroupSessionSnapshot) (*GroupSession, error) {
	if snap == nil {
		return nil, errors.New("cryptocore: nil group session snapshot")
	}
	id, err := uuid.Parse(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: parse group session id: %w", err)
	}
	initial, err := decodeKey(snap.InitialChain, "initial chain")
	if err != nil {
		return nil, err
	}
	chain, err := importChain(snap.Chain)
	if err != nil {
		return nil, err
	}
	return &GroupSession{id: id, initialChain: initial, chain: chain}, nil
}

func (s *InboundGroupSession) Export() (*InboundGroupSnapshot, error) {
	if s == nil {
		return nil, errors.New("cryptocore: nil inbound group session")
	}
	return &InboundGroupSnapshot{
		ID:         s.id.String(),
		FirstKnown: exportChain(s.firstKnown),
	}, nil
}

func ImportInboundGroupSession(snap *InboundGroupSnapshot) (*InboundGroupSession, error) {
	if snap == nil {
		return nil, errors.New("cryptocore: nil inbound group snapshot")
	}
	id, err := uuid.Parse(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: parse inbound group session id: %w", err)
	}
	firstKnown, err := importChain(snap.FirstKnown)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{id: id, firstKnown: firstKnown}, nil
}

func (s *GroupKeyShare) ExportState() *GroupKeyShareState {
	return &GroupKeyShareState{
		SessionID:       s.SessionID.String(),
		FirstKnownIndex: s.FirstKnownIndex,
		ChainKey:        base64.StdEncoding.EncodeToString(s.ChainKey[:]),
	}
}

func ImportKeyShareState(state *GroupKeyShareState) (*GroupKeyShare, error) {
	if state == nil {
		return nil, errors.New("cryptocore: nil key share state")
	}
	id, err := uuid.Parse(state.SessionID)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: parse key share session id: %w", err)
	}
	chain, err := decodeKey(state.ChainKey, "share chain key")
	if err != nil {
		return nil, err
	}
	return &GroupKeyShare{SessionID: id, FirstKnownIndex: state.FirstKnownIndex, ChainKey: chain}, nil
}

func exportChain(cs chainState) ChainStateSnapshot {
	return ChainStateSnapshot{
		Key:   base64.StdEncoding.EncodeToString(cs.Key[:]),
		Index: cs.Index,
	}
}

func importChain(cs ChainStateSnapshot) (chainState, error) {
	key, err := decodeKey(cs.Key, "chain key")
	if err != nil {
		return chainState{}, err
	}
	return chainState{Key: key, Index: cs.Index}, nil
}

func importKeyPair(kp X25519KeyPairState) (KeyPair, error) {
	priv, err := decodeKey(kp.Private, "private key")
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := decodeKey(kp.Public, "public key")
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

func decodeKey(in, what string) ([32]byte, error) {
	data, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return [32]byte{}, fmt.Errorf("cryptocore: decode %s: %w", what, err)
	}
	if len(data) != 32 {
		return [32]byte{}, fmt.Errorf("cryptocore: decode %s: unexpected length %d, want 32", what, len(data))
	}
	var out [32]byte
	copy(out[:], data)
	return out, nil
}
