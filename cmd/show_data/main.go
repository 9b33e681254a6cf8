package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medvault-app/medsyncgo/internal/models"
)

func main() {
	// Connect directly to the device store
	dataDir := os.Getenv("AGENT_DATA_DIR")
	if dataDir == "" {
		dataDir = ".medsync"
	}
	dbPath := filepath.Join(dataDir, "medsync.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		fmt.Printf("❌ Failed to open %s: %v\n", dbPath, err)
		fmt.Println("\n💡 Try starting the daemon first:")
		fmt.Println("   go run ./cmd/syncd")
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║          📊 MedSync Device Store Report                   ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	// Count stats
	var recordCount, tombstoneCount, pendingCount, failedCount, conflictCount, sessionCount int64
	db.Model(&models.HealthRecord{}).Count(&recordCount)
	db.Model(&models.HealthRecord{}).Where("tombstone = ?", true).Count(&tombstoneCount)
	db.Model(&models.Mutation{}).Where("status IN ?", []string{"pending", "in_flight"}).Count(&pendingCount)
	db.Model(&models.Mutation{}).Where("status = ?", "failed").Count(&failedCount)
	db.Model(&models.ConflictRecord{}).Where("resolution_state = ?", "unresolved").Count(&conflictCount)
	db.Model(&models.SyncSession{}).Count(&sessionCount)

	fmt.Println("📈 STORE STATISTICS")
	fmt.Println("──────────────────────────────────────────────────────────")
	fmt.Printf("  Records:             %3d (%d tombstones)\n", recordCount, tombstoneCount)
	fmt.Printf("  Queued mutations:    %3d\n", pendingCount)
	fmt.Printf("  Failed mutations:    %3d\n", failedCount)
	fmt.Printf("  Open conflicts:      %3d\n", conflictCount)
	fmt.Printf("  Sessions retained:   %3d\n", sessionCount)
	fmt.Println()

	// Show records
	var records []models.HealthRecord
	db.Order("entity_id").Find(&records)

	if len(records) > 0 {
		fmt.Println("📋 RECORDS")
		fmt.Println("──────────────────────────────────────────────────────────")
		for _, r := range records {
			icon := "📄"
			if r.Tombstone {
				icon = "🪦"
			}
			fmt.Printf("  %s %s\n", icon, r.EntityID)
			fmt.Printf("      └─ Writer: %s | Updated: %s | Vector: %s\n",
				r.LastWriter, r.UpdatedAt.Format("2006-01-02 15:04"), string(r.VersionVector))
		}
		fmt.Println()
	}

	// Show the mutation queue
	var mutations []models.Mutation
	db.Order("mutation_id").Find(&mutations)

	if len(mutations) > 0 {
		fmt.Println("📤 MUTATION QUEUE")
		fmt.Println("──────────────────────────────────────────────────────────")
		for _, m := range mutations {
			statusIcon := "⏳"
			switch m.Status {
			case models.MutationInFlight:
				statusIcon = "✈️"
			case models.MutationConflicted:
				statusIcon = "⚔️"
			case models.MutationFailed:
				statusIcon = "❌"
			}

			fmt.Printf("  %s %s [%s] %s on %s\n", statusIcon, m.MutationID, m.Status, m.Op, m.EntityID)
			if m.AttemptCount > 0 {
				retryInfo := ""
				if m.NextRetryAt != nil {
					retryInfo = fmt.Sprintf(" | Next retry: %s", m.NextRetryAt.Format("15:04:05"))
				}
				fmt.Printf("      └─ Attempts: %d%s\n", m.AttemptCount, retryInfo)
			}
			if m.LastError != "" {
				fmt.Printf("      └─ Last error: %s\n", m.LastError)
			}
		}
		fmt.Println()
	}

	// Show open conflicts
	var conflicts []models.ConflictRecord
	db.Where("resolution_state = ?", "unresolved").Order("created_at").Find(&conflicts)

	if len(conflicts) > 0 {
		fmt.Println("⚔️  OPEN CONFLICTS")
		fmt.Println("──────────────────────────────────────────────────────────")
		for _, c := range conflicts {
			fmt.Printf("  ⚠️  %s on %s\n", c.ConflictID, c.EntityID)
			fmt.Printf("      └─ Since: %s | Diffs: %s\n",
				c.CreatedAt.Format("2006-01-02 15:04"), string(c.FieldDiffs))
		}
		fmt.Println()
	}

	// Show recent sessions
	var sessions []models.SyncSession
	db.Order("started_at DESC").Limit(10).Find(&sessions)

	if len(sessions) > 0 {
		fmt.Println("🔄 RECENT SESSIONS")
		fmt.Println("──────────────────────────────────────────────────────────")
		for _, s := range sessions {
			outcomeIcon := "✅"
			switch s.Outcome {
			case models.SessionFailed:
				outcomeIcon = "❌"
			case models.SessionPartial:
				outcomeIcon = "🟡"
			}

			fmt.Printf("  %s %s [%s] via %s\n", outcomeIcon, s.StartedAt.Format("2006-01-02 15:04:05"), s.Outcome, s.Connectivity)
			fmt.Printf("      └─ Pushed: %d | Pulled: %d | Conflicts: %d | %dms\n",
				s.MutationsPushed, s.RecordsPulled, s.ConflictsFound, s.DurationMs)
			if s.ErrorDetail != "" {
				fmt.Printf("      └─ Detail: %s\n", s.ErrorDetail)
			}
		}
		fmt.Println()
	}

	// JSON export
	if len(os.Args) > 1 && os.Args[1] == "--json" {
		data := map[string]interface{}{
			"generated_at": time.Now().UTC(),
			"stats": map[string]int64{
				"records":          recordCount,
				"tombstones":       tombstoneCount,
				"queued_mutations": pendingCount,
				"failed_mutations": failedCount,
				"open_conflicts":   conflictCount,
				"sessions":         sessionCount,
			},
		}
		jsonData, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println("\n📄 JSON EXPORT:")
		fmt.Println(string(jsonData))
	}

	fmt.Println("══════════════════════════════════════════════════════════")
	fmt.Println("🚀 Start the device daemon:")
	fmt.Println("   go run ./cmd/syncd")
	fmt.Println("   Then visit: http://localhost:3100/api/state")
	fmt.Println("══════════════════════════════════════════════════════════")
}
