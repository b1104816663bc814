package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"aegis/internal/domain"
)

// Offline answers every prompt kind deterministically without a model.
// Directive parsing routes by keyword.
type Offline struct{}

var routes = []struct {
	unit     domain.Unit
	keywords []string
	verb     string
}{
	{domain.UnitTech, []string{"技术", "修复", "系统", "服务器", "数据库", "网络", "排查", "fix", "repair", "restore", "rollback", "server", "database", "network", "system", "outage", "patch"}, "execute technical instruction"},
	{domain.UnitPR, []string{"公关", "声明", "媒体", "道歉", "解释", "statement", "apolog", "press", "media", "announce", "explain", "communicat"}, "execute communications instruction"},
	{domain.UnitLegal, []string{"法务", "合规", "法律", "风险", "责任", "legal", "complian", "regulat", "liabil", "risk"}, "execute legal instruction"},
	{domain.UnitSentiment, []string{"舆情", "监控", "运营", "用户", "补偿", "客服", "通知", "monitor", "sentiment", "user", "compensat", "support", "notify"}, "execute monitoring instruction"},
}

var escalations = []string{
	"Hashtags about the incident are now trending nationally and a major news outlet has asked for comment.",
	"Advertisers have started pausing campaigns and partner complaints are arriving.",
	"A regulator has publicly requested details of the data handling involved.",
	"User reports doubled in the last hour and a popular creator posted a video criticising the platform.",
}

func (Offline) Complete(_ context.Context, prompt string) (string, error) {
	switch KindOf(prompt) {
	case KindRationale:
		return fmt.Sprintf("Approve %s to contain the incident quickly.", SectionOf(prompt, "action")), nil
	case KindEscalate:
		current := SectionOf(prompt, "current event")
		return strings.TrimSpace(current + " Escalation: " + escalations[pick(current, len(escalations))]), nil
	case KindDiagnose:
		return "Root cause: degraded primary database cluster after a faulty configuration rollout. " +
			"Remediation: roll back the configuration, fail over to the replica, add a canary gate.", nil
	case KindStrategize:
		out := map[string]domain.Stance{
			"sincere":    {Message: "We made a mistake and we are fixing it. Updates every hour.", Strategy: "Own the failure and publish a remediation timeline."},
			"reassuring": {Message: "Your data is safe and service is being restored.", Strategy: "Emphasise safety and progress."},
			"deflecting": {Message: "An upstream provider issue affected some users.", Strategy: "Attribute the incident to external factors."},
		}
		data, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case KindReview:
		return "Compliance: the sincere statement carries the lowest liability. Avoid attributing fault to third parties without evidence. Notify regulators within 72 hours if personal data was exposed.", nil
	case KindDirective:
		return "Fix the database failover immediately, publish a sincere public statement, and have legal review the disclosure risk.", nil
	case KindParse:
		return routeDirective(SectionOf(prompt, "directive"))
	case KindExecute:
		unit := SectionOf(prompt, "unit")
		return fmt.Sprintf("%s completed: %s", unit, SectionOf(prompt, "action")), nil
	case KindFeedback:
		return "Public sentiment is stabilising: negative mentions fell after the latest actions, though some users still demand compensation.", nil
	case KindRetrospective:
		log := SectionOf(prompt, "audit log")
		n := 0
		if log != "" {
			n = strings.Count(log, "\n") + 1
		}
		return fmt.Sprintf("Retrospective: the incident was handled across %d recorded steps. Keep the canary gate, rehearse failover, and pre-approve statement templates.", n), nil
	}
	return "acknowledged", nil
}

// routeDirective maps a free-text directive to tasks by keyword, one task per unit.
func routeDirective(directive string) (string, error) {
	type wireTask struct {
		Dept   string `json:"dept"`
		Action string `json:"action"`
	}
	lower := strings.ToLower(directive)
	tasks := []wireTask{}
	for _, r := range routes {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				tasks = append(tasks, wireTask{Dept: string(r.unit), Action: r.verb + ": " + directive})
				break
			}
		}
	}
	if len(tasks) == 0 && strings.TrimSpace(directive) != "" {
		tasks = append(tasks, wireTask{Dept: string(domain.UnitSentiment), Action: "coordinate and monitor reaction to: " + directive})
	}
	data, err := json.Marshal(map[string]any{"tasks": tasks})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func pick(s string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}
