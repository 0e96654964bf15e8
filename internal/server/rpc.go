package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/publish"
)

const (
	jsonRPCVersion = "2.0"

	methodGetEntryArguments = "panda_getEntryArguments"
	methodPublishEntry      = "panda_publishEntry"

	rpcCodeParseError     = -32700
	rpcCodeInvalidRequest = -32600
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
	rpcCodeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcErrorData struct {
	Reason publish.Reason `json:"reason"`
}

type entryArgumentsParams struct {
	Author string `json:"author"`
	Schema string `json:"schema"`
}

type publishEntryParams struct {
	EntryEncoded   string `json:"entryEncoded"`
	MessageEncoded string `json:"messageEncoded"`
}

// entryArgumentsResult always carries both link keys; absent links are null.
type entryArgumentsResult struct {
	EntryHashBacklink *string `json:"entryHashBacklink"`
	EntryHashSkiplink *string `json:"entryHashSkiplink"`
	SeqNum            uint64  `json:"seqNum"`
	LogID             uint64  `json:"logId"`
}

func toArgumentsResult(args publish.Arguments) entryArgumentsResult {
	return entryArgumentsResult{
		EntryHashBacklink: hashString(args.Backlink),
		EntryHashSkiplink: hashString(args.Skiplink),
		SeqNum:            args.SeqNum.Uint64(),
		LogID:             args.LogID.Uint64(),
	}
}

func hashString(hash *bamboo.Hash) *string {
	if hash == nil {
		return nil
	}
	value := hash.String()
	return &value
}

func (h *httpHandler) handleRPC(c *gin.Context) {
	var request rpcRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusOK, rpcResponse{JSONRPC: jsonRPCVersion, Error: &rpcError{Code: rpcCodeParseError, Message: "parse error"}})
		return
	}
	c.JSON(http.StatusOK, h.dispatchRPC(c, request))
}

func (h *httpHandler) dispatchRPC(c *gin.Context, request rpcRequest) rpcResponse {
	if request.JSONRPC != jsonRPCVersion || strings.TrimSpace(request.Method) == "" {
		return rpcResponse{JSONRPC: jsonRPCVersion, Error: &rpcError{Code: rpcCodeInvalidRequest, Message: "invalid request"}, ID: request.ID}
	}

	ctx := c.Request.Context()
	switch request.Method {
	case methodGetEntryArguments:
		var params entryArgumentsParams
		if !decodeParams(request.Params, &params) {
			return invalidParams(request.ID, "invalid params")
		}
		author, err := bamboo.NewAuthor(params.Author)
		if err != nil {
			return invalidParams(request.ID, "invalid author")
		}
		schemaID, err := bamboo.NewHash(params.Schema)
		if err != nil {
			return invalidParams(request.ID, "invalid schema")
		}
		args, err := h.publisher.EntryArguments(ctx, author, schemaID)
		if err != nil {
			return h.publishError(request, err)
		}
		return rpcResponse{JSONRPC: jsonRPCVersion, Result: toArgumentsResult(args), ID: request.ID}
	case methodPublishEntry:
		var params publishEntryParams
		if !decodeParams(request.Params, &params) {
			return invalidParams(request.ID, "invalid params")
		}
		if strings.TrimSpace(params.EntryEncoded) == "" || strings.TrimSpace(params.MessageEncoded) == "" {
			return invalidParams(request.ID, "entryEncoded and messageEncoded are required")
		}
		args, err := h.publisher.PublishEntry(ctx, params.EntryEncoded, params.MessageEncoded)
		if err != nil {
			return h.publishError(request, err)
		}
		return rpcResponse{JSONRPC: jsonRPCVersion, Result: toArgumentsResult(args), ID: request.ID}
	default:
		return rpcResponse{JSONRPC: jsonRPCVersion, Error: &rpcError{Code: rpcCodeMethodNotFound, Message: "method not found"}, ID: request.ID}
	}
}

// publishError reports protocol rejections verbatim and hides storage details.
func (h *httpHandler) publishError(request rpcRequest, err error) rpcResponse {
	var protocolErr *publish.ProtocolError
	if errors.As(err, &protocolErr) {
		return rpcResponse{
			JSONRPC: jsonRPCVersion,
			Error: &rpcError{
				Code:    rpcCodeServerError,
				Message: protocolErr.Error(),
				Data:    &rpcErrorData{Reason: protocolErr.Reason},
			},
			ID: request.ID,
		}
	}
	h.logger.Error("rpc request failed", zap.String("method", request.Method), zap.Error(err))
	return rpcResponse{
		JSONRPC: jsonRPCVersion,
		Error: &rpcError{
			Code:    rpcCodeServerError,
			Message: "internal error",
			Data:    &rpcErrorData{Reason: publish.ReasonStorageFailure},
		},
		ID: request.ID,
	}
}

func decodeParams(raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func invalidParams(id any, message string) rpcResponse {
	return rpcResponse{JSONRPC: jsonRPCVersion, Error: &rpcError{Code: rpcCodeInvalidParams, Message: message}, ID: id}
}
