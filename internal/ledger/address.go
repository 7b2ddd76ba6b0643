package ledger

import (
	"crypto/sha256"
	"encoding/hex"
)

// Seed tags mirror the on-chain program's PDA seeds.
const (
	seedConfig     = "config"
	seedCourse     = "course"
	seedEnrollment = "enrollment"
	seedLearner    = "learner"
)

// Address is a derived account address, stable for a given program id and
// seed sequence.
type Address string

// String returns the hex form of the address.
func (a Address) String() string {
	return string(a)
}

func derive(programID string, seeds ...[]byte) Address {
	digest := sha256.New()
	digest.Write([]byte(programID))
	for _, seed := range seeds {
		digest.Write(seed)
	}
	return Address(hex.EncodeToString(digest.Sum(nil)))
}

// ConfigAddress derives the singleton platform config account.
func ConfigAddress(programID string) Address {
	return derive(programID, []byte(seedConfig))
}

// CourseAddress derives the course account for a course id.
func CourseAddress(programID, courseID string) Address {
	return derive(programID, []byte(seedCourse), []byte(courseID))
}

// EnrollmentAddress derives the per-learner enrollment account for a course.
func EnrollmentAddress(programID, courseID string, learner Wallet) Address {
	return derive(programID, []byte(seedEnrollment), []byte(courseID), []byte(learner))
}

// LearnerAddress derives the learner profile account for a wallet.
func LearnerAddress(programID string, learner Wallet) Address {
	return derive(programID, []byte(seedLearner), []byte(learner))
}
