package model

// Platform identifies which endpoint agent enforces policy for a blockable.
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformMacOS
	PlatformWindows
)

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformWindows:
		return "Windows"
	default:
		return "UNKNOWN"
	}
}

// Known returns true if the platform is one the engine can route to a
// ballot-box flavor.
func (p Platform) Known() bool {
	return p == PlatformMacOS || p == PlatformWindows
}

// ParsePlatform maps a platform name (as it appears in config and API
// payloads) to its enum value.
func ParsePlatform(s string) Platform {
	switch s {
	case "macOS", "MACOS", "macos":
		return PlatformMacOS
	case "Windows", "WINDOWS", "windows":
		return PlatformWindows
	default:
		return PlatformUnknown
	}
}

// IDType describes what kind of identifier a blockable is keyed by.
type IDType int

const (
	IDTypeUnknown IDType = iota
	IDTypeSHA256
	IDTypeFuzzySHA256
	IDTypeCertFingerprint
	IDTypeBundleID
)

func (t IDType) String() string {
	switch t {
	case IDTypeSHA256:
		return "SHA256"
	case IDTypeFuzzySHA256:
		return "FUZZY_SHA256"
	case IDTypeCertFingerprint:
		return "CERT_FINGERPRINT"
	case IDTypeBundleID:
		return "BUNDLE_ID"
	default:
		return "UNKNOWN"
	}
}

// RuleType is the kind of blockable a vote or rule targets.
type RuleType int

const (
	RuleTypeUnknown RuleType = iota
	RuleTypeBinary
	RuleTypeCertificate
	RuleTypePackage
)

func (t RuleType) String() string {
	switch t {
	case RuleTypeBinary:
		return "BINARY"
	case RuleTypeCertificate:
		return "CERTIFICATE"
	case RuleTypePackage:
		return "PACKAGE"
	default:
		return "UNKNOWN"
	}
}

// State is the voting state of a blockable.
type State int

const (
	StateUntrusted State = iota
	StateApprovedForLocalAllow
	StateLimited
	StateGloballyAllowed
	StateSuspect
	StateBanned
	StateSilentBanned
	StatePending
)

func (s State) String() string {
	switch s {
	case StateUntrusted:
		return "UNTRUSTED"
	case StateApprovedForLocalAllow:
		return "APPROVED_FOR_LOCAL_ALLOW"
	case StateLimited:
		return "LIMITED"
	case StateGloballyAllowed:
		return "GLOBALLY_ALLOWED"
	case StateSuspect:
		return "SUSPECT"
	case StateBanned:
		return "BANNED"
	case StateSilentBanned:
		return "SILENT_BANNED"
	case StatePending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// InBannedFamily returns true for the states that represent a ban.
func (s State) InBannedFamily() bool {
	return s == StateBanned || s == StateSilentBanned
}

// VotingProhibited returns true for states in which no votes are accepted,
// not even from admins.
func (s State) VotingProhibited() bool {
	switch s {
	case StateLimited, StateBanned, StateSilentBanned, StateGloballyAllowed:
		return true
	default:
		return false
	}
}

// AdminOnlyVotable returns true for states that only admins may vote a
// blockable out of.
func (s State) AdminOnlyVotable() bool {
	return s == StateSuspect || s == StatePending
}

// AllowFamily returns true for states under which an in-effect ALLOW rule is
// legitimate.
func (s State) AllowFamily() bool {
	switch s {
	case StateApprovedForLocalAllow, StateLimited, StateGloballyAllowed:
		return true
	default:
		return false
	}
}

// Policy is the assertion a rule makes about its blockable.
type Policy int

const (
	PolicyUnknown Policy = iota
	PolicyAllow
	PolicyDeny
	PolicyRemove
	PolicyForceInstaller
	PolicyForceNotInstaller
)

func (p Policy) String() string {
	switch p {
	case PolicyAllow:
		return "ALLOW"
	case PolicyDeny:
		return "DENY"
	case PolicyRemove:
		return "REMOVE"
	case PolicyForceInstaller:
		return "FORCE_INSTALLER"
	case PolicyForceNotInstaller:
		return "FORCE_NOT_INSTALLER"
	default:
		return "UNKNOWN"
	}
}

// Installer returns true for the two installer-toggle policies.
func (p Policy) Installer() bool {
	return p == PolicyForceInstaller || p == PolicyForceNotInstaller
}

// Permission is a named capability granted to a user. Permissions are
// assigned by the role-sync machinery, which is outside this engine; the
// engine only consults them.
type Permission string

const (
	PermFlag           Permission = "FLAG"
	PermUnflag         Permission = "UNFLAG"
	PermMarkMalware    Permission = "MARK_MALWARE"
	PermMarkInstaller  Permission = "MARK_INSTALLER"
	PermReset          Permission = "RESET_BLOCKABLE_STATE"
	PermChangeSettings Permission = "CHANGE_SETTINGS"
)
