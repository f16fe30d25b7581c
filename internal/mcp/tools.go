package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/wastelane/paddock/internal/ctxutil"
	"github.com/wastelane/paddock/internal/model"
)

func (s *Server) registerTools() {
	// Garage.
	s.mcpServer.AddTool(
		mcplib.NewTool("garage_initialize_bot",
			mcplib.WithDescription("Register a freshly minted bot with the garage. Verifies ownership against the asset registry and starts the wear clock."),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
		),
		s.handleInitializeBot,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("garage_get_bot_details",
			mcplib.WithDescription("Full state of one bot: stats, gauges, lock, cooldowns"),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
		),
		s.handleGetBotDetails,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("garage_list_my_bots",
			mcplib.WithDescription("List every bot registered to the calling principal"),
		),
		s.handleListMyBots,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("garage_repair_bot",
			mcplib.WithDescription("Restore a bot's condition to maximum. Costs 5 tokens, 12 hour cooldown, payment must be pre-approved."),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
		),
		s.handleRepairBot,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("garage_recharge_bot",
			mcplib.WithDescription("Restore a bot's battery to maximum. Costs 10 tokens, 6 hour cooldown, payment must be pre-approved."),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
		),
		s.handleRechargeBot,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("garage_upgrade_bot",
			mcplib.WithDescription("Start a 12 hour stat upgrade. Cost grows with the stat's tier, payable in tokens or spare parts. Locks the bot until completion."),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
			mcplib.WithString("stat", mcplib.Description("Stat to upgrade: speed, acceleration, stability or power_core"), mcplib.Required()),
			mcplib.WithBoolean("pay_with_parts", mcplib.Description("Spend spare parts instead of tokens")),
		),
		s.handleUpgradeBot,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("garage_cancel_upgrade",
			mcplib.WithDescription("Abort an in-flight upgrade with a full refund and release the lock"),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
		),
		s.handleCancelUpgrade,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("garage_transfer_bot",
			mcplib.WithDescription("Move an unlocked bot to another principal's garage"),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
			mcplib.WithString("to", mcplib.Description("Receiving principal"), mcplib.Required()),
		),
		s.handleTransferBot,
	)

	// Racing.
	s.mcpServer.AddTool(
		mcplib.NewTool("racing_list_races",
			mcplib.WithDescription("Browse the race calendar with filters"),
			mcplib.WithString("status", mcplib.Description("Filter by status: upcoming, in_progress, completed, cancelled")),
			mcplib.WithString("class", mcplib.Description("Filter by class")),
			mcplib.WithString("terrain", mcplib.Description("Filter by terrain")),
			mcplib.WithNumber("min_distance", mcplib.Description("Minimum distance in meters")),
			mcplib.WithNumber("max_distance", mcplib.Description("Maximum distance in meters")),
			mcplib.WithBoolean("has_spots", mcplib.Description("Only races with open entry spots")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
		),
		s.handleListRaces,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("racing_enter_race",
			mcplib.WithDescription("Enter a bot into a race. Requires class match, condition >= 70, battery >= 50 and a pre-approved entry fee. Costs 10 battery and locks the bot until settlement."),
			mcplib.WithString("race_id", mcplib.Description("Race ID"), mcplib.Required()),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
		),
		s.handleEnterRace,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("racing_sponsor_race",
			mcplib.WithDescription("Add tokens to a race's prize pool. Minimum 0.1 token, payment must be pre-approved."),
			mcplib.WithString("race_id", mcplib.Description("Race ID"), mcplib.Required()),
			mcplib.WithNumber("amount_e8s", mcplib.Description("Contribution in e8s (1 token = 100000000)"), mcplib.Required()),
			mcplib.WithString("message", mcplib.Description("Optional sponsor message")),
		),
		s.handleSponsorRace,
	)

	// Marketplace.
	s.mcpServer.AddTool(
		mcplib.NewTool("market_list_bot",
			mcplib.WithDescription("Offer a bot for sale. Locks it Listed until sold or unlisted."),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
			mcplib.WithNumber("price_e8s", mcplib.Description("Asking price in e8s, must exceed the 10000 e8s transfer fee"), mcplib.Required()),
		),
		s.handleListBot,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("market_unlist_bot",
			mcplib.WithDescription("Withdraw a bot from sale and release the lock"),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
		),
		s.handleUnlistBot,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("market_browse",
			mcplib.WithDescription("Browse live listings, cheapest first"),
			mcplib.WithNumber("max_price_e8s", mcplib.Description("Maximum price in e8s")),
			mcplib.WithString("class", mcplib.Description("Filter by class")),
			mcplib.WithString("faction", mcplib.Description("Filter by faction")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
		),
		s.handleBrowse,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("market_purchase_bot",
			mcplib.WithDescription("Buy a listed bot. Requires pre-approved allowance of price plus transfer fee; ownership moves through the registry's lock, transfer, settle sequence."),
			mcplib.WithNumber("token_index", mcplib.Description("Mint index of the bot"), mcplib.Required()),
		),
		s.handlePurchaseBot,
	)
}

func (s *Server) handleInitializeBot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	bot, err := s.garage.Initialize(ctx, caller, tokenArg(request))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bot), nil
}

func (s *Server) handleGetBotDetails(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	bot, err := s.garage.Details(ctx, tokenArg(request))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bot), nil
}

func (s *Server) handleListMyBots(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	bots, err := s.garage.ListOwned(ctx, caller)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"bots": bots, "total": len(bots)}), nil
}

func (s *Server) handleRepairBot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	bot, err := s.garage.Repair(ctx, caller, tokenArg(request))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bot), nil
}

func (s *Server) handleRechargeBot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	bot, err := s.garage.Recharge(ctx, caller, tokenArg(request))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bot), nil
}

func (s *Server) handleUpgradeBot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	stat := model.StatKind(request.GetString("stat", ""))
	payWithParts := request.GetBool("pay_with_parts", false)

	up, err := s.garage.StartUpgrade(ctx, caller, tokenArg(request), stat, payWithParts)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(up), nil
}

func (s *Server) handleCancelUpgrade(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	bot, err := s.garage.CancelUpgrade(ctx, caller, tokenArg(request))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bot), nil
}

func (s *Server) handleTransferBot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	to := request.GetString("to", "")
	if to == "" {
		return errorResult("to is required"), nil
	}
	bot, err := s.garage.Transfer(ctx, caller, tokenArg(request), to)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bot), nil
}

func (s *Server) handleListRaces(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := model.RaceFilter{
		Status:      model.RaceStatus(request.GetString("status", "")),
		Class:       model.BotClass(request.GetString("class", "")),
		Terrain:     model.Terrain(request.GetString("terrain", "")),
		MinDistance: request.GetInt("min_distance", 0),
		MaxDistance: request.GetInt("max_distance", 0),
		HasSpots:    request.GetBool("has_spots", false),
		Limit:       request.GetInt("limit", 20),
	}
	races, err := s.racing.ListRaces(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"races": races, "total": len(races)}), nil
}

func (s *Server) handleEnterRace(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	raceID, err := uuid.Parse(request.GetString("race_id", ""))
	if err != nil {
		return errorResult("race_id must be a valid UUID"), nil
	}
	entry, err := s.racing.EnterRace(ctx, caller, raceID, tokenArg(request))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(entry), nil
}

func (s *Server) handleSponsorRace(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	raceID, err := uuid.Parse(request.GetString("race_id", ""))
	if err != nil {
		return errorResult("race_id must be a valid UUID"), nil
	}
	amount := uint64(request.GetFloat("amount_e8s", 0))
	message := request.GetString("message", "")

	sp, err := s.racing.SponsorRace(ctx, caller, raceID, amount, message)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(sp), nil
}

func (s *Server) handleListBot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	price := uint64(request.GetFloat("price_e8s", 0))
	listing, err := s.market.List(ctx, caller, tokenArg(request), price)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(listing), nil
}

func (s *Server) handleUnlistBot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	bot, err := s.market.Unlist(ctx, caller, tokenArg(request))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bot), nil
}

func (s *Server) handleBrowse(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := model.ListingFilter{
		MaxPriceE8s: uint64(request.GetFloat("max_price_e8s", 0)),
		Class:       model.BotClass(request.GetString("class", "")),
		Faction:     model.Faction(request.GetString("faction", "")),
		Limit:       request.GetInt("limit", 20),
	}
	listings, err := s.market.Browse(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"listings": listings, "total": len(listings)}), nil
}

func (s *Server) handlePurchaseBot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller, res := s.caller(ctx)
	if res != nil {
		return res, nil
	}
	bot, err := s.market.Purchase(ctx, caller, tokenArg(request))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(bot), nil
}

// caller resolves the authenticated principal, or an error result when the
// auth middleware put none in the context.
func (s *Server) caller(ctx context.Context) (string, *mcplib.CallToolResult) {
	principal := ctxutil.PrincipalFromContext(ctx)
	if principal == "" {
		return "", errorResult("unauthenticated: no principal in request context")
	}
	return principal, nil
}

func tokenArg(request mcplib.CallToolRequest) uint32 {
	return uint32(request.GetInt("token_index", 0))
}

// toolError renders a service error. Domain errors keep their stable code so
// agents can branch on it; anything else is reported as-is.
func toolError(err error) *mcplib.CallToolResult {
	if de, ok := model.AsDomain(err); ok {
		data, _ := json.Marshal(map[string]string{
			"error_code": de.Code,
			"message":    de.Message,
		})
		return errorResult(string(data))
	}
	return errorResult(fmt.Sprintf("operation failed: %v", err))
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
