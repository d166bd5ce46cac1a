package instruction

import (
	"fmt"
	"slices"
)

// APIVersion is the plugin API version implemented by this Core. A
// plugin's declared APIVersion must share its Major.
var APIVersion = Version{Major: 1, Minor: 0, Patch: 0}

// Operation names a request a plugin can serve. The set is closed: a
// plugin declares which of these it supports in its init data, so Core
// can reject unsupported requests without a round trip.
type Operation string

const (
	OpAuthAccount       Operation = "auth_account"
	OpSyncConversations Operation = "sync_conversations"
	OpSendMessage       Operation = "send_message"
	OpFetchMessages     Operation = "fetch_messages"
	OpEcho              Operation = "echo"
)

// Operations lists every known operation.
func Operations() []Operation {
	return []Operation{OpAuthAccount, OpSyncConversations, OpSendMessage, OpFetchMessages, OpEcho}
}

// Known reports whether op is one of Operations.
func (op Operation) Known() bool {
	return slices.Contains(Operations(), op)
}

// Version is a semantic version triple.
type Version struct {
	Major int `cbor:"major" json:"major"`
	Minor int `cbor:"minor" json:"minor"`
	Patch int `cbor:"patch" json:"patch"`
}

// String renders v as major.minor.patch.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether a plugin built against v can talk to a Core
// implementing core.
func (v Version) Compatible(core Version) bool {
	return v.Major == core.Major
}

// InitData is sent by a plugin once it is ready. Until Core receives it
// the plugin is loading; failing to send it within the init timeout is a
// failure to load.
type InitData struct {
	// APIVersion is the plugin API version the plugin was built for.
	APIVersion Version `cbor:"api_version" json:"api_version"`

	// PluginVersion is informational.
	PluginVersion Version `cbor:"plugin_version" json:"plugin_version"`

	// Protocol describes the chat service.
	Protocol ProtocolData `cbor:"protocol" json:"protocol"`

	// Capabilities lists the operations the plugin serves.
	Capabilities []Operation `cbor:"capabilities" json:"capabilities"`
}

// Supports reports whether op was declared.
func (d InitData) Supports(op Operation) bool {
	return slices.Contains(d.Capabilities, op)
}

// Validate checks the data a plugin declared against this Core.
func (d InitData) Validate() error {
	if !d.APIVersion.Compatible(APIVersion) {
		return fmt.Errorf("%w: plugin built for API %s, core implements %s", ErrIncompatibleAPI, d.APIVersion, APIVersion)
	}
	if d.Protocol.ServiceName == "" {
		return fmt.Errorf("%w: protocol service name is empty", ErrInvalidInit)
	}
	for _, op := range d.Capabilities {
		if !op.Known() {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidInit, op)
		}
	}
	for _, method := range d.Protocol.AuthMethods {
		if method.Name == "" {
			return fmt.Errorf("%w: auth method without a name", ErrInvalidInit)
		}
	}
	return nil
}

// ProtocolData describes the chat service a plugin implements.
type ProtocolData struct {
	// ServiceName is the well-known name of the service.
	ServiceName string `cbor:"service_name" json:"service_name"`

	// AuthMethods lists the supported ways to authenticate an account.
	AuthMethods []AuthMethod `cbor:"auth_methods,omitempty" json:"auth_methods,omitempty"`
}

// AuthMethod is one way a user may log in. Fields may be empty for
// anonymous browsing.
type AuthMethod struct {
	Name   string  `cbor:"name" json:"name"`
	Fields []Field `cbor:"fields,omitempty" json:"fields,omitempty"`
}

// FieldType allows the front end to validate input.
type FieldType uint8

const (
	FieldString FieldType = iota
	FieldInteger
	FieldURL
)

// Field is an input of an AuthMethod.
type Field struct {
	Name     string    `cbor:"name" json:"name"`
	Type     FieldType `cbor:"type" json:"type"`
	Value    string    `cbor:"value,omitempty" json:"value,omitempty"`
	Required bool      `cbor:"required,omitempty" json:"required,omitempty"`
	// Sensitive fields have their value hidden by the front end.
	Sensitive bool `cbor:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// AuthAccountRequest is the payload of an auth_account request.
type AuthAccountRequest struct {
	Method AuthMethod `cbor:"method" json:"method"`
}

// AuthResult is the outcome of an authentication attempt.
type AuthResult uint8

const (
	AuthSuccess AuthResult = iota
	AuthFailRejected
	AuthFailConnectionError
	AuthConnecting
)

// String returns a readable name.
func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "success"
	case AuthFailRejected:
		return "rejected"
	case AuthFailConnectionError:
		return "connection_error"
	case AuthConnecting:
		return "connecting"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// AuthAccountResponse is the payload of an auth_account response.
type AuthAccountResponse struct {
	Result  AuthResult `cbor:"result" json:"result"`
	Details string     `cbor:"details,omitempty" json:"details,omitempty"`
}
