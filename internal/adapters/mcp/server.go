package mcpadapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/core/ports"
	"github.com/kirillkom/plant-care-assistant/internal/core/usecase"
)

const (
	serverName             = "plant-care-assistant"
	defaultDiagnoseTimeout = 90 * time.Second
	defaultMaxImageBytes   = 1_000_000
)

type Options struct {
	DiagnoseTimeout time.Duration
	// MaxImageBytes caps the decoded photo. Larger payloads are refused before decoding.
	MaxImageBytes int
}

// Server exposes diagnosis and species lookup as MCP tools.
type Server struct {
	MCPServer *server.MCPServer

	sessions ports.DiagnosisSessions
	species  ports.SpeciesSearcher
	opts     Options
}

func NewServer(version string, sessions ports.DiagnosisSessions, species ports.SpeciesSearcher, opts Options) *Server {
	if opts.DiagnoseTimeout <= 0 {
		opts.DiagnoseTimeout = defaultDiagnoseTimeout
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = defaultMaxImageBytes
	}
	s := &Server{
		MCPServer: server.NewMCPServer(serverName, version, server.WithToolCapabilities(false)),
		sessions:  sessions,
		species:   species,
		opts:      opts,
	}
	s.registerTools()
	return s
}

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.MCPServer, server.WithStateLess(true))
}

func (s *Server) registerTools() {
	s.MCPServer.AddTool(mcp.NewTool("diagnose_plant",
		mcp.WithDescription("Classify the health of a plant from a JPEG or PNG photo and return care advice."),
		mcp.WithString("plant_name", mcp.Required(), mcp.Description("Common or botanical name of the plant.")),
		mcp.WithString("moisture_level", mcp.Required(), mcp.Description("Observed soil moisture, for example Low, Medium or High.")),
		mcp.WithString("image_base64", mcp.Required(), mcp.Description("Base64 encoded JPEG or PNG photo, optionally as a data URL.")),
	), s.handleDiagnosePlant)

	s.MCPServer.AddTool(mcp.NewTool("search_species",
		mcp.WithDescription("Search the public plant species dataset by name."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Common or botanical name fragment.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of matches, 1 to 100.")),
	), s.handleSearchSpecies)
}

// handleDiagnosePlant runs one diagnosis in a throwaway session.
func (s *Server) handleDiagnosePlant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	plantName, err := req.RequireString("plant_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	moisture, err := req.RequireString("moisture_level")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	encoded, err := req.RequireString("image_base64")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	image, err := decodeImage(encoded, s.opts.MaxImageBytes)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	snap, err := s.diagnose(ctx, domain.DiagnosisInput{PlantName: plantName, MoistureLevel: moisture, Image: image})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if snap.State == domain.StateFailed && snap.Failure != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagnosis failed at %s: %s", snap.Failure.Stage, snap.Failure.Message)), nil
	}
	if snap.Result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagnosis ended in state %s", snap.State)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Health: %s\n\n%s", snap.HealthLabel, snap.Result.Text)), nil
}

func (s *Server) diagnose(ctx context.Context, input domain.DiagnosisInput) (domain.PipelineSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DiagnoseTimeout)
	defer cancel()
	return usecase.DiagnoseOnce(ctx, s.sessions, input)
}

func (s *Server) handleSearchSpecies(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", 0)

	result, err := s.species.Search(ctx, query, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(result.Records) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No species match %q.", result.Query)), nil
	}

	var b strings.Builder
	for _, record := range result.Records {
		switch {
		case record.CommonName != "" && record.BotanicalName != "":
			fmt.Fprintf(&b, "%s (%s)\n", record.CommonName, record.BotanicalName)
		case record.BotanicalName != "":
			fmt.Fprintln(&b, record.BotanicalName)
		default:
			fmt.Fprintln(&b, record.CommonName)
		}
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

// decodeImage accepts raw standard base64 or a data URL. The size bound is checked
// on the encoded length first so an oversized payload is never materialized.
func decodeImage(encoded string, limit int) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		_, payload, found := strings.Cut(encoded, ",")
		if !found {
			return nil, fmt.Errorf("image_base64: malformed data URL")
		}
		encoded = payload
	}
	// DecodedLen counts padding, so it may exceed the true size by two bytes.
	if base64.StdEncoding.DecodedLen(len(encoded)) > limit+2 {
		return nil, fmt.Errorf("image_base64: image exceeds %d bytes", limit)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("image_base64: %w", err)
	}
	if len(data) > limit {
		return nil, fmt.Errorf("image_base64: image exceeds %d bytes", limit)
	}
	return data, nil
}
