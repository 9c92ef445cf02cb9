package reqguard

import (
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// ---------------------------------------------------------------------------
// Snapshot & result types
// ---------------------------------------------------------------------------.

type (
	// TokenState is the application's view of its access token.
	TokenState string

	// User is the authenticated user as the application keeps it in memory
	// and persists it.
	User struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
		Role  string `json:"role,omitempty"`
	}

	// AuthStateSnapshot is a read-only capture of the in-memory session and
	// the raw persisted key/values backing it.
	AuthStateSnapshot struct {
		CapturedAt   time.Time
		User         *User
		Persisted    map[string]string
		AccessToken  string
		RefreshToken string
		TokenState   TokenState
	}

	// StateErrorCode classifies a validation defect.
	StateErrorCode string

	// StateError is one defect found in a snapshot.
	StateError struct {
		Code    StateErrorCode `json:"code"`
		Field   string         `json:"field"`
		Message string         `json:"message"`
	}

	// StateRecoveryStrategy is the remediation tier proposed for a snapshot.
	StateRecoveryStrategy string

	// StateValidationResult is the verdict of [StateValidator.Validate].
	StateValidationResult struct {
		RecoveryStrategy StateRecoveryStrategy `json:"recovery_strategy"`
		Errors           []StateError          `json:"errors"`
		CorruptedFields  []string              `json:"corrupted_fields"`
		IsValid          bool                  `json:"is_valid"`
	}

	// AuthKeys names the persisted keys holding authentication state.
	AuthKeys struct {
		User         string `json:"user"          yaml:"user"`
		AccessToken  string `json:"access_token"  yaml:"access_token"`
		RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
		TokenState   string `json:"token_state"   yaml:"token_state"`
		// Mode records the persistence mode chosen by state recovery.
		Mode string `json:"mode" yaml:"mode"`
	}

	// EmptyResultPolicy decides what a snapshot without defects maps to.
	EmptyResultPolicy int
)

// Token states.
const (
	TokenNone       TokenState = ""
	TokenValid      TokenState = "valid"
	TokenExpired    TokenState = "expired"
	TokenRefreshing TokenState = "refreshing"
	TokenInvalid    TokenState = "invalid"
)

// Validation defect codes.
const (
	StateErrStructure    StateErrorCode = "structure"
	StateErrParse        StateErrorCode = "parse"
	StateErrSize         StateErrorCode = "size"
	StateErrTokenFormat  StateErrorCode = "token_format"
	StateErrTokenExpired StateErrorCode = "token_expired"
	StateErrConsistency  StateErrorCode = "consistency"
)

// Remediation tiers.
const (
	StateCleanup     StateRecoveryStrategy = "cleanup"
	StateSessionOnly StateRecoveryStrategy = "session_only"
	StateFullReset   StateRecoveryStrategy = "full_reset"
	// StateNoAction is only produced under [EmptyNoAction].
	StateNoAction StateRecoveryStrategy = "none"
)

// Empty result policies.
const (
	// EmptyCleanup maps a defect-free snapshot to [StateCleanup], a
	// conservative default that clears nothing.
	EmptyCleanup EmptyResultPolicy = iota
	// EmptyNoAction maps a defect-free snapshot to [StateNoAction].
	EmptyNoAction
)

// DefaultAuthKeys returns the persisted key names used by default.
func DefaultAuthKeys() AuthKeys {
	return AuthKeys{
		User:         "auth_user",
		AccessToken:  "auth_token",
		RefreshToken: "auth_refresh_token",
		TokenState:   "auth_token_state",
		Mode:         "auth_persistence_mode",
	}
}

// All returns every key holding authentication data, excluding Mode.
func (k AuthKeys) All() []string {
	return []string{k.User, k.AccessToken, k.RefreshToken, k.TokenState}
}

// ---------------------------------------------------------------------------
// Validator
// ---------------------------------------------------------------------------.

const defaultMaxPayloadBytes = 64 << 10

var tokenSegment = regexp.MustCompile(`^[A-Za-z0-9_-]+={0,2}$`)

type (
	// StateValidator inspects [AuthStateSnapshot]s for structural, format,
	// consistency and size defects. It is stateless and safe for concurrent
	// use.
	StateValidator struct {
		clock       Clock
		keys        AuthKeys
		maxPayload  int
		clockSkew   time.Duration
		emptyPolicy EmptyResultPolicy
	}

	// ValidatorOption configures a [StateValidator].
	ValidatorOption func(*StateValidator)
)

// WithAuthKeys overrides the persisted key names.
func WithAuthKeys(keys AuthKeys) ValidatorOption {
	return func(v *StateValidator) { v.keys = keys }
}

// WithMaxPayloadBytes bounds the size of any persisted value.
func WithMaxPayloadBytes(n int) ValidatorOption {
	return func(v *StateValidator) {
		if n > 0 {
			v.maxPayload = n
		}
	}
}

// WithClockSkew tolerates token expiry up to d in the past.
func WithClockSkew(d time.Duration) ValidatorOption {
	return func(v *StateValidator) { v.clockSkew = d }
}

// WithEmptyResultPolicy chooses what a defect-free snapshot maps to.
func WithEmptyResultPolicy(p EmptyResultPolicy) ValidatorOption {
	return func(v *StateValidator) { v.emptyPolicy = p }
}

// WithValidatorClock sets the clock used for expiry checks.
func WithValidatorClock(c Clock) ValidatorOption {
	return func(v *StateValidator) { v.clock = c }
}

// NewStateValidator creates a validator.
func NewStateValidator(opts ...ValidatorOption) *StateValidator {
	v := &StateValidator{
		clock:      RealClock{},
		keys:       DefaultAuthKeys(),
		maxPayload: defaultMaxPayloadBytes,
	}

	for _, o := range opts {
		o(v)
	}

	return v
}

// Keys returns the persisted key names the validator checks.
func (v *StateValidator) Keys() AuthKeys { return v.keys }

// ValidateAuthState validates snap with default settings.
func ValidateAuthState(snap AuthStateSnapshot) StateValidationResult {
	return NewStateValidator().Validate(snap)
}

// Validate checks snap and proposes a remediation tier.
func (v *StateValidator) Validate(snap AuthStateSnapshot) StateValidationResult {
	var errs []StateError

	oversized := v.checkSize(snap, &errs)
	persistedUser := v.checkUser(snap, oversized, &errs)
	v.checkTokens(snap, oversized, &errs)
	v.checkConsistency(snap, persistedUser, oversized, &errs)

	res := StateValidationResult{
		IsValid:         len(errs) == 0,
		Errors:          errs,
		CorruptedFields: corruptedFields(errs),
	}
	res.RecoveryStrategy = v.selectStrategy(snap, persistedUser, errs)

	return res
}

func (v *StateValidator) checkSize(snap AuthStateSnapshot, errs *[]StateError) map[string]bool {
	oversized := make(map[string]bool)

	for _, k := range slices.Sorted(maps.Keys(snap.Persisted)) {
		if len(snap.Persisted[k]) > v.maxPayload {
			oversized[k] = true
			*errs = append(*errs, StateError{
				Code:    StateErrSize,
				Field:   k,
				Message: "persisted value exceeds size bound",
			})
		}
	}

	return oversized
}

// checkUser validates the in-memory and persisted user and returns the
// decoded persisted user, if any.
func (v *StateValidator) checkUser(snap AuthStateSnapshot, oversized map[string]bool, errs *[]StateError) *User {
	if snap.User != nil {
		if msg, ok := userShapeDefect(snap.User); !ok {
			*errs = append(*errs, StateError{Code: StateErrStructure, Field: "user", Message: msg})
		}
	}

	raw, ok := snap.Persisted[v.keys.User]
	if !ok || oversized[v.keys.User] {
		return nil
	}

	var shape map[string]any
	if err := json.Unmarshal([]byte(raw), &shape); err != nil || shape == nil {
		*errs = append(*errs, StateError{
			Code:    StateErrParse,
			Field:   v.keys.User,
			Message: "persisted user is not a JSON object",
		})

		return nil
	}

	id, idOK := shape["id"].(string)
	email, emailOK := shape["email"].(string)

	if _, present := shape["email"]; present && !emailOK {
		*errs = append(*errs, StateError{
			Code:    StateErrStructure,
			Field:   v.keys.User,
			Message: "persisted user email is not a string",
		})

		return nil
	}

	if !idOK {
		*errs = append(*errs, StateError{
			Code:    StateErrStructure,
			Field:   v.keys.User,
			Message: "persisted user id is missing or not a string",
		})

		return nil
	}

	u := &User{ID: id, Email: email}
	u.Name, _ = shape["name"].(string)
	u.Role, _ = shape["role"].(string)

	if msg, valid := userShapeDefect(u); !valid {
		*errs = append(*errs, StateError{Code: StateErrStructure, Field: v.keys.User, Message: msg})

		return nil
	}

	return u
}

func userShapeDefect(u *User) (string, bool) {
	if strings.TrimSpace(u.ID) == "" {
		return "user id is empty", false
	}

	if u.Email != "" && !strings.Contains(u.Email, "@") {
		return "user email is malformed", false
	}

	return "", true
}

func (v *StateValidator) checkTokens(snap AuthStateSnapshot, oversized map[string]bool, errs *[]StateError) {
	access := snap.AccessToken
	field := "access_token"

	if access == "" && !oversized[v.keys.AccessToken] {
		access = snap.Persisted[v.keys.AccessToken]
		field = v.keys.AccessToken
	}

	if access != "" {
		if msg, ok := v.tokenDefect(access); !ok {
			code := StateErrTokenFormat
			if msg == "token is expired" {
				code = StateErrTokenExpired
			}

			*errs = append(*errs, StateError{Code: code, Field: field, Message: msg})
		}
	}

	refresh := snap.RefreshToken
	if refresh == "" && !oversized[v.keys.RefreshToken] {
		refresh = snap.Persisted[v.keys.RefreshToken]
	}

	if refresh != "" && strings.ContainsFunc(refresh, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		*errs = append(*errs, StateError{
			Code:    StateErrTokenFormat,
			Field:   v.keys.RefreshToken,
			Message: "refresh token contains control characters",
		})
	}

	if snap.TokenState == TokenValid && access == "" {
		*errs = append(*errs, StateError{
			Code:    StateErrConsistency,
			Field:   "token_state",
			Message: "token state is valid but no access token is present",
		})
	}
}

// tokenDefect checks the three-segment url-safe base64 shape and, when the
// token decodes as a JWT, its expiry.
func (v *StateValidator) tokenDefect(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "token does not have three segments", false
	}

	for _, p := range parts {
		if p == "" || !tokenSegment.MatchString(p) {
			return "token segment is empty or not url-safe base64", false
		}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "token header or claims cannot be decoded", false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "token expiry claim is malformed", false
	}

	if exp != nil && exp.Add(v.clockSkew).Before(v.clock.Now()) {
		return "token is expired", false
	}

	return "", true
}

func (v *StateValidator) checkConsistency(
	snap AuthStateSnapshot,
	persistedUser *User,
	oversized map[string]bool,
	errs *[]StateError,
) {
	if stored, ok := snap.Persisted[v.keys.AccessToken]; ok && !oversized[v.keys.AccessToken] {
		if snap.AccessToken != "" && stored != snap.AccessToken {
			*errs = append(*errs, StateError{
				Code:    StateErrConsistency,
				Field:   v.keys.AccessToken,
				Message: "in-memory token differs from persisted token",
			})
		}
	}

	if stored, ok := snap.Persisted[v.keys.RefreshToken]; ok && !oversized[v.keys.RefreshToken] {
		if snap.RefreshToken != "" && stored != snap.RefreshToken {
			*errs = append(*errs, StateError{
				Code:    StateErrConsistency,
				Field:   v.keys.RefreshToken,
				Message: "in-memory refresh token differs from persisted refresh token",
			})
		}
	}

	if snap.User != nil && persistedUser != nil {
		if snap.User.ID != persistedUser.ID || snap.User.Email != persistedUser.Email {
			*errs = append(*errs, StateError{
				Code:    StateErrConsistency,
				Field:   v.keys.User,
				Message: "in-memory user differs from persisted user",
			})
		}
	}
}

// selectStrategy is the decision table over the accumulated defects.
func (v *StateValidator) selectStrategy(
	snap AuthStateSnapshot,
	persistedUser *User,
	errs []StateError,
) StateRecoveryStrategy {
	if len(errs) == 0 {
		if v.emptyPolicy == EmptyNoAction {
			return StateNoAction
		}

		return StateCleanup
	}

	tokenOnly := true

	for _, e := range errs {
		switch e.Code {
		case StateErrStructure, StateErrParse, StateErrSize:
			return StateFullReset
		case StateErrTokenFormat, StateErrTokenExpired:
		case StateErrConsistency:
			if !v.isTokenField(e.Field) {
				tokenOnly = false
			}
		default:
			tokenOnly = false
		}
	}

	hasValidUser := snap.User != nil || persistedUser != nil
	if tokenOnly && hasValidUser {
		return StateSessionOnly
	}

	return StateCleanup
}

func (v *StateValidator) isTokenField(field string) bool {
	switch field {
	case v.keys.AccessToken, v.keys.RefreshToken, v.keys.TokenState, "access_token", "token_state":
		return true
	default:
		return false
	}
}

func corruptedFields(errs []StateError) []string {
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		if !slices.Contains(fields, e.Field) {
			fields = append(fields, e.Field)
		}
	}

	slices.Sort(fields)

	return fields
}
