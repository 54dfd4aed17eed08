package beacon

// Payload is blockchain-specific content. Its concrete type belongs to the
// blockchain codec that produced it.
type Payload interface {
	Blockchain() string
}

// Header carries the fields every internal message has regardless of
// direction or variant.
type Header struct {
	ID       string
	Version  string
	SenderID string
	// Blockchain is the identifier of the codec handling the payload.
	Blockchain string
	// Origin is where an incoming message came from.
	Origin ConnectionID
	// Destination is where an outgoing request should go. Responses
	// recompute it from the request they answer.
	Destination ConnectionID
}

// Message is the internal, blockchain-generic Beacon message. It is one of
// the Request, Response or *Disconnect variants below.
type Message interface {
	Head() *Header
	message()
}

// Request is a message that expects responses.
type Request interface {
	Message
	request()
}

// Response answers a pending request with the same id.
type Response interface {
	Message
	response()
}

type PermissionRequest struct {
	Header
	AppMetadata AppMetadata
	Payload     Payload
}

type BlockchainRequest struct {
	Header
	// AccountID is set when the request targets a previously granted
	// permission.
	AccountID string
	Payload   Payload
}

type PermissionResponse struct {
	Header
	AppMetadata *AppMetadata
	Payload     Payload
}

type BlockchainResponse struct {
	Header
	Payload Payload
}

type AcknowledgeResponse struct {
	Header
}

// ErrorType values understood by every protocol version.
const (
	ErrorBroadcast           = "BROADCAST_ERROR"
	ErrorNetworkNotSupported = "NETWORK_NOT_SUPPORTED"
	ErrorNoAddress           = "NO_ADDRESS_ERROR"
	ErrorNotGranted          = "NOT_GRANTED_ERROR"
	ErrorParametersInvalid   = "PARAMETERS_INVALID_ERROR"
	ErrorTooManyOperations   = "TOO_MANY_OPERATIONS"
	ErrorTransactionInvalid  = "TRANSACTION_INVALID_ERROR"
	ErrorAborted             = "ABORTED_ERROR"
	ErrorUnknown             = "UNKNOWN_ERROR"
)

type ErrorResponse struct {
	Header
	ErrorType   string
	Description string
}

type Disconnect struct {
	Header
}

func (m *Header) Head() *Header { return m }

func (*PermissionRequest) message()   {}
func (*BlockchainRequest) message()   {}
func (*PermissionResponse) message()  {}
func (*BlockchainResponse) message()  {}
func (*AcknowledgeResponse) message() {}
func (*ErrorResponse) message()       {}
func (*Disconnect) message()          {}

func (*PermissionRequest) request() {}
func (*BlockchainRequest) request() {}

func (*PermissionResponse) response()  {}
func (*BlockchainResponse) response()  {}
func (*AcknowledgeResponse) response() {}
func (*ErrorResponse) response()       {}
