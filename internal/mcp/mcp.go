// Package mcp implements the Model Context Protocol server for Paddock.
//
// Every engine operation an agent can invoke is exposed as an MCP tool; the
// caller's principal comes from the auth middleware via ctxutil, never from
// tool arguments, so an agent cannot act on another principal's behalf.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/service/garage"
	"github.com/wastelane/paddock/internal/service/market"
	"github.com/wastelane/paddock/internal/service/racing"
)

// Server wraps the MCP server with Paddock's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	garage    *garage.Service
	racing    *racing.Service
	market    *market.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(g *garage.Service, r *racing.Service, m *market.Service, logger *slog.Logger) *Server {
	s := &Server{
		garage: g,
		racing: r,
		market: m,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"paddock",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// paddock://races/upcoming: open races across all classes.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"paddock://races/upcoming",
			"Upcoming Races",
			mcplib.WithResourceDescription("Races still accepting entries, soonest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRacesUpcoming,
	)

	// paddock://market/listings: live marketplace listings.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"paddock://market/listings",
			"Marketplace Listings",
			mcplib.WithResourceDescription("Bots currently for sale, cheapest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleMarketListings,
	)

	// paddock://bot/{token_index}: one bot's full state.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"paddock://bot/{token_index}",
			"Bot Details",
			mcplib.WithTemplateDescription("Full state of one registered bot"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleBotResource,
	)
}

func (s *Server) handleRacesUpcoming(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	races, err := s.racing.ListRaces(ctx, model.RaceFilter{
		Status:   model.RaceUpcoming,
		HasSpots: true,
		Limit:    50,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: upcoming races: %w", err)
	}

	data, err := json.MarshalIndent(races, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal races: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "paddock://races/upcoming",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleMarketListings(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	listings, err := s.market.Browse(ctx, model.ListingFilter{Limit: 50})
	if err != nil {
		return nil, fmt.Errorf("mcp: market listings: %w", err)
	}

	data, err := json.MarshalIndent(listings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal listings: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "paddock://market/listings",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleBotResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw := strings.TrimPrefix(uri, "paddock://bot/")
	token, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid bot URI: %s", uri)
	}

	bot, err := s.garage.Details(ctx, uint32(token))
	if err != nil {
		return nil, fmt.Errorf("mcp: bot details: %w", err)
	}

	data, err := json.MarshalIndent(bot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal bot: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
