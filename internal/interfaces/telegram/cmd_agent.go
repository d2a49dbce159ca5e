package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// registerAgentCommands registers agent/execution: skills, cron, bash, plan, memory
func (a *Adapter) registerAgentCommands(registry *CommandRegistry) {
	// /skills 命令 - 技能管理, 直通工具层的 SKILL.md 技能目录
	registry.Register("skills", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if registry.skillBackend == nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      "🎯 技能系统未启用。",
				ParseMode: "HTML",
			}, nil
		}

		if len(cmd.Args) == 0 {
			skillList := "暂无已安装技能。"
			if skills := registry.skillBackend.List(); len(skills) > 0 {
				var lines []string
				for _, s := range skills {
					status := "✅"
					if !s.Enabled {
						status = "❌"
					}
					lines = append(lines, fmt.Sprintf("%s <code>%s</code> — %s", status, s.ID, s.Name))
				}
				skillList = strings.Join(lines, "\n")
			}
			return &OutgoingMessage{
				ChatID: cmd.ChatID,
				Text: fmt.Sprintf("🎯 <b>技能列表</b>\n\n%s\n\n用法:\n"+
					"• /skills install &lt;来源&gt; — 安装技能\n"+
					"• /skills remove &lt;ID&gt; — 卸载技能\n"+
					"• /skills enable|disable &lt;ID&gt; — 启用/停用\n\n"+
					"启用技能的 scripts/ 脚本会注册为 agent 可调用工具。", skillList),
				ParseMode: "HTML",
			}, nil
		}

		subCmd := cmd.Args[0]

		switch subCmd {
		case "install", "add":
			if len(cmd.Args) < 2 {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      "❌ 用法: /skills install &lt;来源&gt; [名称]",
					ParseMode: "HTML",
				}, nil
			}
			source := cmd.Args[1]
			name := ""
			if len(cmd.Args) > 2 {
				name = cmd.Args[2]
			}
			skill, err := registry.skillBackend.Install(source, name)
			if err != nil {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      fmt.Sprintf("❌ 安装失败: %s", err.Error()),
					ParseMode: "HTML",
				}, nil
			}
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("✅ 已安装技能: <code>%s</code> — %s", skill.ID, skill.Name),
				ParseMode: "HTML",
			}, nil

		case "remove", "uninstall", "rm":
			if len(cmd.Args) < 2 {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      "❌ 用法: /skills remove &lt;ID&gt;",
					ParseMode: "HTML",
				}, nil
			}
			skillID := cmd.Args[1]
			if err := registry.skillBackend.Uninstall(skillID); err != nil {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      fmt.Sprintf("❌ 卸载失败: %s", err.Error()),
					ParseMode: "HTML",
				}, nil
			}
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("✅ 已卸载技能: <code>%s</code>", skillID),
				ParseMode: "HTML",
			}, nil

		case "enable", "disable":
			if len(cmd.Args) < 2 {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      fmt.Sprintf("❌ 用法: /skills %s &lt;ID&gt;", subCmd),
					ParseMode: "HTML",
				}, nil
			}
			skillID := cmd.Args[1]
			var err error
			if subCmd == "enable" {
				err = registry.skillBackend.Enable(skillID)
			} else {
				err = registry.skillBackend.Disable(skillID)
			}
			if err != nil {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      fmt.Sprintf("❌ 操作失败: %s", err.Error()),
					ParseMode: "HTML",
				}, nil
			}
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("✅ 技能 <code>%s</code> 已%s (重启后生效到工具列表)", skillID, map[string]string{"enable": "启用", "disable": "停用"}[subCmd]),
				ParseMode: "HTML",
			}, nil

		default:
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("❌ 未知子命令: <code>%s</code>", subCmd),
				ParseMode: "HTML",
			}, nil
		}
	})
	registry.Alias("skill", "skills")

	// /cron 命令 - 定时任务管理 (直通网关调度器的 CRONS.json 任务表)
	registry.Register("cron", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if len(cmd.Args) == 0 {
			return &OutgoingMessage{
				ChatID: cmd.ChatID,
				Text: "⏰ <b>定时任务</b>\n\n用法:\n" +
					"• /cron list — 列出任务\n" +
					"• /cron add &lt;表达式&gt; &lt;命令&gt; — 添加任务\n" +
					"• /cron remove &lt;ID&gt; — 删除任务\n\n" +
					"表达式为标准 5 段 cron, 例如 <code>*/5 * * * *</code> (每 5 分钟)。\n" +
					"任务到点后作为本会话的 agent 消息执行。",
				ParseMode: "HTML",
			}, nil
		}

		subCmd := cmd.Args[0]

		switch subCmd {
		case "list", "ls":
			// List cron jobs from the scheduler store
			jobsText := "📋 暂无定时任务"
			if registry.cronBackend != nil {
				jobs := registry.cronBackend.List(cmd.ChatID)
				if len(jobs) > 0 {
					var lines []string
					for _, j := range jobs {
						lines = append(lines, fmt.Sprintf("• <code>%s</code> | <code>%s</code> | %s", j.ID[:8], j.CronExpr, j.Command))
					}
					jobsText = "📋 <b>定时任务</b>\n\n" + strings.Join(lines, "\n")
				}
			}
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      jobsText,
				ParseMode: "HTML",
			}, nil

		case "add":
			if len(cmd.Args) < 7 {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      "❌ 用法: /cron add &lt;5 段表达式&gt; &lt;命令&gt;\n例如: <code>/cron add 0 9 * * * 汇总昨天的待办</code>",
					ParseMode: "HTML",
				}, nil
			}
			if registry.cronBackend == nil {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      "⚠️ 调度器未启用。",
					ParseMode: "HTML",
				}, nil
			}
			cronExpr := strings.Join(cmd.Args[1:6], " ")
			command := strings.Join(cmd.Args[6:], " ")
			jobID, err := registry.cronBackend.Schedule(cmd.ChatID, cronExpr, command)
			if err != nil {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      fmt.Sprintf("❌ 添加失败: %s", err.Error()),
					ParseMode: "HTML",
				}, nil
			}
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("✅ 已添加定时任务\nID: <code>%s</code>\n表达式: <code>%s</code>\n命令: <code>%s</code>", jobID, cronExpr, command),
				ParseMode: "HTML",
			}, nil

		case "remove", "rm", "delete":
			if len(cmd.Args) < 2 {
				return &OutgoingMessage{
					ChatID:    cmd.ChatID,
					Text:      "❌ 用法: /cron remove &lt;ID&gt;",
					ParseMode: "HTML",
				}, nil
			}
			jobID := cmd.Args[1]
			// Cancel via the scheduler store
			if registry.cronBackend != nil {
				if err := registry.cronBackend.Cancel(jobID); err != nil {
					return &OutgoingMessage{
						ChatID:    cmd.ChatID,
						Text:      fmt.Sprintf("❌ 删除失败: %s", err.Error()),
						ParseMode: "HTML",
					}, nil
				}
			}
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("✅ 已删除任务: <code>%s</code>", jobID),
				ParseMode: "HTML",
			}, nil

		default:
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("❌ 未知子命令: <code>%s</code>", subCmd),
				ParseMode: "HTML",
			}, nil
		}
	})

	// /bash 命令 - 受控 shell 执行 (shellpolicy 闸门在 BashExecutor 实现内)
	registry.Register("bash", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		if len(cmd.Args) == 0 {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      "⚙️ 用法: /bash &lt;命令&gt;",
				ParseMode: "HTML",
			}, nil
		}
		if registry.bashExecutor == nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      "⚠️ Bash 执行器未启用。",
				ParseMode: "HTML",
			}, nil
		}
		command := cmd.RawArgs
		output, err := registry.bashExecutor.Execute(ctx, cmd.ChatID, command)
		if err != nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("❌ 错误: %s", err.Error()),
				ParseMode: "HTML",
			}, nil
		}
		if output == "" {
			output = "(无输出)"
		}
		if len(output) > 4000 {
			output = output[:4000] + "\n... (已截断)"
		}
		return &OutgoingMessage{
			ChatID:    cmd.ChatID,
			Text:      fmt.Sprintf("<pre>%s</pre>", output),
			ParseMode: "HTML",
		}, nil
	})

	// /plan 命令 - 查看当前计划 (reads ~/.osa/current_plan.json)
	registry.Register("plan", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		home, err := os.UserHomeDir()
		if err != nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      "❌ 无法获取 home 目录",
				ParseMode: "HTML",
			}, nil
		}

		planPath := filepath.Join(home, ".osa", "current_plan.json")
		data, err := os.ReadFile(planPath)
		if err != nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      "📝 当前没有活跃计划\n\n使用对话中的 update_plan 工具创建计划。",
				ParseMode: "HTML",
			}, nil
		}

		var plan struct {
			Title string `json:"title"`
			Steps []struct {
				ID     string `json:"id"`
				Title  string `json:"title"`
				Status string `json:"status"`
			} `json:"steps"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := json.Unmarshal(data, &plan); err != nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("❌ 计划文件格式错误: %s", err.Error()),
				ParseMode: "HTML",
			}, nil
		}

		// Build plan display
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("📝 <b>%s</b>\n\n", plan.Title))
		for _, step := range plan.Steps {
			icon := "⬜"
			switch step.Status {
			case "done", "completed":
				icon = "✅"
			case "in_progress", "working":
				icon = "🔄"
			case "blocked":
				icon = "🚫"
			}
			sb.WriteString(fmt.Sprintf("%s %s\n", icon, step.Title))
		}
		if plan.UpdatedAt != "" {
			sb.WriteString(fmt.Sprintf("\n<i>更新于: %s</i>", plan.UpdatedAt))
		}

		return &OutgoingMessage{
			ChatID:    cmd.ChatID,
			Text:      sb.String(),
			ParseMode: "HTML",
		}, nil
	})

	// /memory 命令 - 查看长期记忆 (reads ~/.osa/memory.json)
	registry.Register("memory", func(ctx context.Context, cmd *Command) (*OutgoingMessage, error) {
		home, err := os.UserHomeDir()
		if err != nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      "❌ 无法获取 home 目录",
				ParseMode: "HTML",
			}, nil
		}

		memPath := filepath.Join(home, ".osa", "memory.json")
		data, err := os.ReadFile(memPath)
		if err != nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      "🧠 记忆库为空\n\n对话中使用 save_memory 工具来存储记忆。",
				ParseMode: "HTML",
			}, nil
		}

		var store struct {
			Facts []struct {
				Content    string  `json:"content"`
				Category   string  `json:"category"`
				Confidence float64 `json:"confidence"`
				CreatedAt  string  `json:"created_at"`
			} `json:"facts"`
		}
		if err := json.Unmarshal(data, &store); err != nil {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      fmt.Sprintf("❌ 记忆文件格式错误: %s", err.Error()),
				ParseMode: "HTML",
			}, nil
		}

		if len(store.Facts) == 0 {
			return &OutgoingMessage{
				ChatID:    cmd.ChatID,
				Text:      "🧠 记忆库为空",
				ParseMode: "HTML",
			}, nil
		}

		// Show last 10 memories (newest first)
		limit := 10
		if len(store.Facts) < limit {
			limit = len(store.Facts)
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("🧠 <b>长期记忆</b> (%d 条)\n\n", len(store.Facts)))
		for i := len(store.Facts) - 1; i >= len(store.Facts)-limit; i-- {
			fact := store.Facts[i]
			catIcon := "💡"
			switch fact.Category {
			case "preference":
				catIcon = "⚙️"
			case "project":
				catIcon = "📂"
			case "environment":
				catIcon = "🖥️"
			case "skill":
				catIcon = "🎯"
			}
			content := fact.Content
			if len(content) > 80 {
				content = content[:80] + "..."
			}
			sb.WriteString(fmt.Sprintf("%s %s\n", catIcon, content))
		}
		if len(store.Facts) > limit {
			sb.WriteString(fmt.Sprintf("\n<i>...共 %d 条记忆</i>", len(store.Facts)))
		}

		return &OutgoingMessage{
			ChatID:    cmd.ChatID,
			Text:      sb.String(),
			ParseMode: "HTML",
		}, nil
	})
}
