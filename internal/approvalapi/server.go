// Package approvalapi exposes pending approval gates and the live run report over HTTP.
package approvalapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/execution"
)

const (
	gatesRouteConstant             = "/gates"
	gateRouteConstant              = "/gates/:id"
	approveRouteConstant           = "/gates/:id/approve"
	rejectRouteConstant            = "/gates/:id/reject"
	reportRouteConstant            = "/report"
	identifierParameterConstant    = "id"
	stateQueryParameterConstant    = "state"
	pendingStateQueryValueConstant = "pending"
	errorFieldConstant             = "error"
	shutdownTimeoutConstant        = 5 * time.Second
	readHeaderTimeoutConstant      = 5 * time.Second
	approvalRequestMessageConstant = "approval_api_request"
	approvalDecisionMessageConst   = "approval_api_decision"
	approvalServingMessageConstant = "approval_api_listening"
	approvalStoppedMessageConstant = "approval_api_stopped"
	methodFieldConstant            = "method"
	pathFieldConstant              = "path"
	statusFieldConstant            = "status"
	addressFieldConstant           = "address"
	gateFieldConstant              = "gate_id"
	gateStateFieldConstant         = "gate_state"
	approverFieldConstant          = "approver"
	missingApproverMessageConstant = "approver is required"
	reportUnavailableMessage       = "no run is active"
)

// ReportSource provides the report served at /report.
type ReportSource interface {
	Snapshot() execution.ReportSnapshot
}

// DecisionRequest is the body accepted by the approve and reject endpoints.
type DecisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

// Server routes gate decisions to a GateBoard.
type Server struct {
	board  *execution.GateBoard
	report ReportSource
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer builds the HTTP surface for board and report.
func NewServer(board *execution.GateBoard, report ReportSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	server := &Server{board: board, report: report, logger: logger, engine: engine}
	engine.Use(gin.Recovery(), server.logRequests)

	engine.GET(gatesRouteConstant, server.listGates)
	engine.GET(gateRouteConstant, server.getGate)
	engine.POST(approveRouteConstant, server.approveGate)
	engine.POST(rejectRouteConstant, server.rejectGate)
	engine.GET(reportRouteConstant, server.getReport)
	return server
}

// Handler returns the routed handler.
func (server *Server) Handler() http.Handler {
	return server.engine
}

// Serve accepts connections on listener until ctx is done, then shuts down gracefully.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{Handler: server.engine, ReadHeaderTimeout: readHeaderTimeoutConstant}
	server.logger.Info(approvalServingMessageConstant, zap.String(addressFieldConstant, listener.Addr().String()))

	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- httpServer.Serve(listener)
	}()

	select {
	case serveError := <-serveErrors:
		if errors.Is(serveError, http.ErrServerClosed) {
			return nil
		}
		return serveError
	case <-ctx.Done():
		shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeoutConstant)
		defer cancel()
		shutdownError := httpServer.Shutdown(shutdownContext)
		server.logger.Info(approvalStoppedMessageConstant, zap.String(addressFieldConstant, listener.Addr().String()))
		return shutdownError
	}
}

func (server *Server) logRequests(ginContext *gin.Context) {
	ginContext.Next()
	server.logger.Debug(
		approvalRequestMessageConstant,
		zap.String(methodFieldConstant, ginContext.Request.Method),
		zap.String(pathFieldConstant, ginContext.Request.URL.Path),
		zap.Int(statusFieldConstant, ginContext.Writer.Status()),
	)
}

func (server *Server) listGates(ginContext *gin.Context) {
	gates := server.board.Gates()
	if strings.EqualFold(ginContext.Query(stateQueryParameterConstant), pendingStateQueryValueConstant) {
		gates = server.board.Pending()
	}
	if gates == nil {
		gates = []execution.GateSnapshot{}
	}
	ginContext.JSON(http.StatusOK, gates)
}

func (server *Server) getGate(ginContext *gin.Context) {
	gate, exists := server.board.Lookup(ginContext.Param(identifierParameterConstant))
	if !exists {
		ginContext.JSON(http.StatusNotFound, gin.H{errorFieldConstant: execution.ErrGateNotFound.Error()})
		return
	}
	ginContext.JSON(http.StatusOK, gate.Snapshot())
}

func (server *Server) approveGate(ginContext *gin.Context) {
	server.decide(ginContext, func(identifier string, request DecisionRequest) error {
		return server.board.Approve(identifier, request.Approver)
	})
}

func (server *Server) rejectGate(ginContext *gin.Context) {
	server.decide(ginContext, func(identifier string, request DecisionRequest) error {
		return server.board.Reject(identifier, request.Approver, request.Reason)
	})
}

func (server *Server) decide(ginContext *gin.Context, apply func(identifier string, request DecisionRequest) error) {
	var request DecisionRequest
	if bindError := ginContext.ShouldBindJSON(&request); bindError != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorFieldConstant: bindError.Error()})
		return
	}
	if len(strings.TrimSpace(request.Approver)) == 0 {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorFieldConstant: missingApproverMessageConstant})
		return
	}

	identifier := ginContext.Param(identifierParameterConstant)
	if decisionError := apply(identifier, request); decisionError != nil {
		ginContext.JSON(statusForDecisionError(decisionError), gin.H{errorFieldConstant: decisionError.Error()})
		return
	}

	gate, _ := server.board.Lookup(identifier)
	server.logger.Info(
		approvalDecisionMessageConst,
		zap.String(gateFieldConstant, identifier),
		zap.String(approverFieldConstant, request.Approver),
		zap.String(gateStateFieldConstant, string(gate.State())),
	)
	ginContext.JSON(http.StatusOK, gate.Snapshot())
}

func (server *Server) getReport(ginContext *gin.Context) {
	if server.report == nil {
		ginContext.JSON(http.StatusNotFound, gin.H{errorFieldConstant: reportUnavailableMessage})
		return
	}
	ginContext.JSON(http.StatusOK, server.report.Snapshot())
}

func statusForDecisionError(decisionError error) int {
	switch {
	case errors.Is(decisionError, execution.ErrGateNotFound):
		return http.StatusNotFound
	case errors.Is(decisionError, execution.ErrApproverNotPermitted):
		return http.StatusForbidden
	case errors.Is(decisionError, execution.ErrGateNotPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
