package notifications

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/0xPuncker/fleetcron/pkg/utils"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultCooldown is the quiet period between two failure alerts of one job.
const DefaultCooldown = 15 * time.Minute

const maxDetails = 1500

type NotificationService struct {
	slackService *SlackService
	node         string
	cooldown     time.Duration
	recent       *gocache.Cache
}

func NewNotificationService(slackService *SlackService, node string, cooldown time.Duration) *NotificationService {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &NotificationService{
		slackService: slackService,
		node:         node,
		cooldown:     cooldown,
		recent:       gocache.New(cooldown, 2*cooldown),
	}
}

// NotifyFailure posts a failed run. Repeated failures of the same job inside
// the cooldown window are dropped.
func (s *NotificationService) NotifyFailure(ctx context.Context, def *types.JobDefinition, entry *types.RunLogEntry) error {
	key := strconv.FormatInt(def.ID, 10)
	if err := s.recent.Add(key, struct{}{}, s.cooldown); err != nil {
		return nil
	}
	return s.slackService.SendSlackMessage(ctx, s.formatFailure(def, entry))
}

// NotifyStartup announces a scheduler coming up on this node.
func (s *NotificationService) NotifyStartup(ctx context.Context, armed int) error {
	message := &SlackMessage{
		Text: "🚀 Scheduler started",
		Attachments: []Attachment{
			{
				Color: "good",
				Fields: []Field{
					{Title: "Node", Value: s.nodeName(), Short: true},
					{Title: "Armed Jobs", Value: strconv.Itoa(armed), Short: true},
				},
				Ts: time.Now().Unix(),
			},
		},
	}
	return s.slackService.SendSlackMessage(ctx, message)
}

func (s *NotificationService) formatFailure(def *types.JobDefinition, entry *types.RunLogEntry) *SlackMessage {
	variant := cases.Title(language.English).String(def.Type.String())

	fields := []Field{
		{
			Title: "Job",
			Value: fmt.Sprintf("#%d %s", def.ID, def.Title),
			Short: true,
		},
		{
			Title: "Type",
			Value: variant,
			Short: true,
		},
		{
			Title: "Rule",
			Value: def.Rule,
			Short: true,
		},
		{
			Title: "Duration",
			Value: utils.FormatDuration(time.Duration(entry.RunningTime * float64(time.Second))),
			Short: true,
		},
		{
			Title: "Target",
			Value: def.Target,
			Short: false,
		},
	}

	if entry.Exception != "" {
		fields = append(fields, Field{
			Title: "Output",
			Value: "```" + utils.Truncate(entry.Exception, maxDetails) + "```",
			Short: false,
		})
	}

	return &SlackMessage{
		Text: fmt.Sprintf("❌ %s job failed: %s", variant, def.Title),
		Attachments: []Attachment{
			{
				Color:  "danger",
				Fields: fields,
				Footer: fmt.Sprintf("Node: %s | Return code: %d", s.nodeName(), entry.ReturnCode),
				Ts:     time.Now().Unix(),
			},
		},
	}
}

func (s *NotificationService) nodeName() string {
	if s.node == "" {
		return "unknown"
	}
	return s.node
}
