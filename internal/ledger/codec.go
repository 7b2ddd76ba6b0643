package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/superteam-academy/backend/internal/progress"
)

// Account layouts follow the on-chain program's Anchor conventions: an 8-byte
// account discriminator, then little-endian fields, with optional fields as a
// 1-byte presence tag followed by the value.

var (
	enrollmentDiscriminator = accountDiscriminator("Enrollment")
	learnerDiscriminator    = accountDiscriminator("LearnerProfile")

	// ErrBadAccountData indicates account bytes did not match the expected
	// layout for the requested account type.
	ErrBadAccountData = errors.New("ledger: malformed account data")
)

func accountDiscriminator(name string) [8]byte {
	digest := sha256.Sum256([]byte("account:" + name))
	var disc [8]byte
	copy(disc[:], digest[:8])
	return disc
}

// Enrollment is the decoded per-learner course account. The ledger owns it;
// the relay only interprets it.
type Enrollment struct {
	CourseID        string
	Learner         Wallet
	LessonFlags     progress.LessonFlags
	EnrolledAt      time.Time
	CompletedAt     *time.Time
	CredentialAsset string
}

// Completed reports whether the course has been finalized.
func (e Enrollment) Completed() bool {
	return e.CompletedAt != nil
}

// LearnerProfile is the decoded per-wallet profile account holding the XP
// counter and streak bookkeeping the relay reads but never writes.
type LearnerProfile struct {
	Authority      Wallet
	XPTotal        int64
	StreakCurrent  int
	LastActivityTs time.Time
}

type accountWriter struct {
	buf bytes.Buffer
}

func (w *accountWriter) u8(v uint8)    { w.buf.WriteByte(v) }
func (w *accountWriter) u32(v uint32)  { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *accountWriter) u64(v uint64)  { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *accountWriter) i64(v int64)   { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *accountWriter) raw(b []byte)  { w.buf.Write(b) }
func (w *accountWriter) str(s string)  { w.u32(uint32(len(s))); w.buf.WriteString(s) }
func (w *accountWriter) bytes() []byte { return w.buf.Bytes() }

type accountReader struct {
	data []byte
	pos  int
	err  error
}

func (r *accountReader) remaining() int { return len(r.data) - r.pos }

func (r *accountReader) fail() {
	if r.err == nil {
		r.err = ErrBadAccountData
	}
}

func (r *accountReader) u8() uint8 {
	if r.err != nil || r.remaining() < 1 {
		r.fail()
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *accountReader) u32() uint32 {
	if r.err != nil || r.remaining() < 4 {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *accountReader) u64() uint64 {
	if r.err != nil || r.remaining() < 8 {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *accountReader) i64() int64 { return int64(r.u64()) }

func (r *accountReader) str() string {
	length := int(r.u32())
	if r.err != nil || length < 0 || r.remaining() < length {
		r.fail()
		return ""
	}
	v := string(r.data[r.pos : r.pos+length])
	r.pos += length
	return v
}

// EncodeEnrollment serializes an enrollment account. Production account bytes
// come from the ledger; this encoder backs fakes and devnet seeding.
func EncodeEnrollment(enrollment Enrollment) []byte {
	w := &accountWriter{}
	w.raw(enrollmentDiscriminator[:])
	w.str(enrollment.CourseID)
	w.str(string(enrollment.Learner))
	for _, word := range enrollment.LessonFlags {
		w.u64(word)
	}
	w.i64(enrollment.EnrolledAt.Unix())
	if enrollment.CompletedAt != nil {
		w.u8(1)
		w.i64(enrollment.CompletedAt.Unix())
	} else {
		w.u8(0)
	}
	if enrollment.CredentialAsset != "" {
		w.u8(1)
		w.str(enrollment.CredentialAsset)
	} else {
		w.u8(0)
	}
	return w.bytes()
}

// DecodeEnrollment parses raw enrollment account bytes.
func DecodeEnrollment(data []byte) (Enrollment, error) {
	r := &accountReader{data: data}
	if r.remaining() < 8 || !bytes.Equal(r.data[:8], enrollmentDiscriminator[:]) {
		return Enrollment{}, fmt.Errorf("%w: enrollment discriminator mismatch", ErrBadAccountData)
	}
	r.pos = 8

	var enrollment Enrollment
	enrollment.CourseID = r.str()
	enrollment.Learner = Wallet(r.str())
	for word := 0; word < progress.FlagWords; word++ {
		enrollment.LessonFlags[word] = r.u64()
	}
	enrollment.EnrolledAt = time.Unix(r.i64(), 0).UTC()
	if r.u8() == 1 {
		completedAt := time.Unix(r.i64(), 0).UTC()
		enrollment.CompletedAt = &completedAt
	}
	if r.u8() == 1 {
		enrollment.CredentialAsset = r.str()
	}
	if r.err != nil {
		return Enrollment{}, r.err
	}
	return enrollment, nil
}

// EncodeLearnerProfile serializes a learner profile account for fakes.
func EncodeLearnerProfile(profile LearnerProfile) []byte {
	w := &accountWriter{}
	w.raw(learnerDiscriminator[:])
	w.str(string(profile.Authority))
	w.u64(uint64(profile.XPTotal))
	w.u32(uint32(profile.StreakCurrent))
	w.i64(profile.LastActivityTs.Unix())
	return w.bytes()
}

// DecodeLearnerProfile parses raw learner profile account bytes.
func DecodeLearnerProfile(data []byte) (LearnerProfile, error) {
	r := &accountReader{data: data}
	if r.remaining() < 8 || !bytes.Equal(r.data[:8], learnerDiscriminator[:]) {
		return LearnerProfile{}, fmt.Errorf("%w: learner profile discriminator mismatch", ErrBadAccountData)
	}
	r.pos = 8

	var profile LearnerProfile
	profile.Authority = Wallet(r.str())
	profile.XPTotal = int64(r.u64())
	profile.StreakCurrent = int(r.u32())
	profile.LastActivityTs = time.Unix(r.i64(), 0).UTC()
	if r.err != nil {
		return LearnerProfile{}, r.err
	}
	return profile, nil
}
