package domain

// VerifyType names one verification factor of a risk challenge.
type VerifyType string

const (
	VerifyTypeEmail  VerifyType = "EMAIL"
	VerifyTypeGoogle VerifyType = "GOOGLE"
)

// ChallengeBizType is the business scene sent with every release challenge call.
const ChallengeBizType = "C2C_RELEASE_CURRENCY"

// Known reports whether the bot can satisfy the factor.
func (v VerifyType) Known() bool {
	return v == VerifyTypeEmail || v == VerifyTypeGoogle
}
