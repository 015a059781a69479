package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// ResumptionTicket is the opaque, server-minted blob a client stores and
// later offers to resume a connection with reduced handshake round trips.
// The wire encoding is deliberately simple (key id + nonce + sealed
// parameters) since this module does not implement full 0-RTT key
// scheduling, only the accept/reject gating the receive pipeline needs.
type ResumptionTicket struct {
	KeyID uuid.UUID
	Nonce [12]byte
	Box   []byte
}

// ticketKey is one server-side symmetric key used to seal/open resumption
// tickets, identified by a uuid so a server can rotate keys without
// invalidating tickets sealed under an older one that is still within its
// acceptance window.
type ticketKey struct {
	id  uuid.UUID
	key [32]byte
}

func newTicketKey() (ticketKey, error) {
	var k ticketKey
	id, err := uuid.NewRandom()
	if err != nil {
		return k, err
	}
	k.id = id
	if _, err := rand.Read(k.key[:]); err != nil {
		return k, err
	}
	return k, nil
}

// ticketRing keeps a small set of active ticket keys so tickets minted
// under a recently-rotated key still validate.
type ticketRing struct {
	keys []ticketKey
}

func (r *ticketRing) current() (ticketKey, error) {
	if len(r.keys) == 0 {
		k, err := newTicketKey()
		if err != nil {
			return k, err
		}
		r.keys = append(r.keys, k)
	}
	return r.keys[len(r.keys)-1], nil
}

func (r *ticketRing) find(id uuid.UUID) (ticketKey, bool) {
	for _, k := range r.keys {
		if k.id == id {
			return k, true
		}
	}
	return ticketKey{}, false
}

func (r *ticketRing) rotate() error {
	k, err := newTicketKey()
	if err != nil {
		return err
	}
	r.keys = append(r.keys, k)
	if len(r.keys) > 3 {
		r.keys = r.keys[len(r.keys)-3:]
	}
	return nil
}

// mintTicket seals the server's own transport parameters (the subset
// needed to validate a future resumption attempt) under the current
// ticket key.
func (r *ticketRing) mintTicket(p *Parameters) (*ResumptionTicket, error) {
	k, err := r.current()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k.key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	t := &ResumptionTicket{KeyID: k.id}
	if _, err := rand.Read(t.Nonce[:]); err != nil {
		return nil, err
	}
	plain := encodeParameters(p)
	t.Box = aead.Seal(nil, t.Nonce[:], plain, t.KeyID[:])
	return t, nil
}

// openTicket validates and decrypts a ticket previously minted by
// mintTicket, returning the parameters the earlier connection offered.
func (r *ticketRing) openTicket(t *ResumptionTicket) (*Parameters, error) {
	k, ok := r.find(t.KeyID)
	if !ok {
		return nil, newError(InvalidToken, "unknown resumption ticket key")
	}
	block, err := aes.NewCipher(k.key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, t.Nonce[:], t.Box, t.KeyID[:])
	if err != nil {
		return nil, newError(InvalidToken, "resumption ticket authentication failed")
	}
	return decodeParameters(plain)
}

// encodeTicket/decodeTicket give ResumptionTicket a flat wire form for
// transport inside a TLS NewSessionTicket payload.
func encodeTicket(t *ResumptionTicket) []byte {
	b := make([]byte, 0, 16+12+2+len(t.Box))
	b = append(b, t.KeyID[:]...)
	b = append(b, t.Nonce[:]...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(t.Box)))
	b = append(b, lenBuf[:]...)
	b = append(b, t.Box...)
	return b
}

func decodeTicket(b []byte) (*ResumptionTicket, error) {
	if len(b) < 16+12+2 {
		return nil, newError(InvalidToken, "truncated resumption ticket")
	}
	t := &ResumptionTicket{}
	copy(t.KeyID[:], b[:16])
	copy(t.Nonce[:], b[16:28])
	boxLen := binary.BigEndian.Uint16(b[28:30])
	if len(b) < 30+int(boxLen) {
		return nil, newError(InvalidToken, "truncated resumption ticket box")
	}
	t.Box = append([]byte(nil), b[30:30+int(boxLen)]...)
	return t, nil
}
