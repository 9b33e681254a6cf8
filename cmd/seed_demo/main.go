package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"

	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/database"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/sync"
	"github.com/medvault-app/medsyncgo/internal/utils"
)

const seedWriter = "seed"

func main() {
	fmt.Println("🌱 MedSync Demo Data Seeder")
	fmt.Println("=" + string(make([]rune, 60)))

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Connect to database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	fmt.Println("✅ Connected to database")
	fmt.Println()

	// Run migrations first
	fmt.Println("🔨 Running database migrations...")
	if err := db.AutoMigrate(models.CentralModels()...); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	fmt.Println("✅ Migrations complete")
	fmt.Println()

	// Check if data already exists
	var recordCount int64
	db.Model(&models.CentralRecord{}).Count(&recordCount)
	if recordCount > 0 {
		fmt.Printf("⚠️  Database already has %d records. Clear it first? (y/N): ", recordCount)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("❌ Aborted. Database not modified.")
			return
		}

		// Clear existing data
		fmt.Println("🗑️  Clearing existing data...")
		db.Exec("TRUNCATE TABLE central_records CASCADE")
		db.Exec("TRUNCATE TABLE applied_mutations CASCADE")
		fmt.Println("✅ Data cleared")
	}

	fmt.Println()
	fmt.Println("📦 Creating demo data...")
	fmt.Println()

	// 1. Create admin account
	fmt.Println("👤 Creating admin account...")
	adminEmail := os.Getenv("ADMIN_EMAIL")
	if adminEmail == "" {
		adminEmail = "admin@medvault.local"
	}
	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "demo1234"
	}

	var adminCount int64
	db.Model(&models.UserAuth{}).Where("email = ?", adminEmail).Count(&adminCount)
	if adminCount == 0 {
		hash, err := utils.HashPassword(adminPassword)
		if err != nil {
			log.Fatalf("❌ Failed to hash admin password: %v", err)
		}
		admin := models.UserAuth{
			Username: "admin",
			Email:    adminEmail,
			Password: hash,
			Role:     "admin",
			IsActive: true,
		}
		if err := db.Create(&admin).Error; err != nil {
			log.Printf("⚠️  Failed to create admin: %v", err)
		} else {
			fmt.Printf("   ✓ Created admin: %s (password: %s)\n", adminEmail, adminPassword)
		}
	} else {
		fmt.Printf("   ✓ Admin %s already exists\n", adminEmail)
	}
	fmt.Println()

	// 2. Create health records
	fmt.Println("📋 Creating health records...")
	now := time.Now().UTC()
	records := []struct {
		entityID string
		fields   map[string]interface{}
	}{
		{
			entityID: "patient-maria-profile",
			fields: map[string]interface{}{
				"full_name":  "Maria Vasquez",
				"birth_date": "1954-03-17",
				"blood_type": "A+",
			},
		},
		{
			entityID: "patient-maria-allergies",
			fields: map[string]interface{}{
				"allergy_list": []string{"penicillin", "sulfa"},
			},
		},
		{
			entityID: "patient-maria-med-metformin",
			fields: map[string]interface{}{
				"name":      "Metformin",
				"dosage_mg": 500,
				"schedule":  "twice daily with meals",
			},
		},
		{
			entityID: "patient-maria-med-lisinopril",
			fields: map[string]interface{}{
				"name":      "Lisinopril",
				"dosage_mg": 10,
				"schedule":  "once daily, morning",
			},
		},
		{
			entityID: "patient-maria-notes",
			fields: map[string]interface{}{
				"care_notes": "[" + seedWriter + "] Prefers morning appointments. Daughter Ana is the emergency contact.",
			},
		},
	}

	vv := sync.VersionVector{seedWriter: 1}
	for i, r := range records {
		fieldsRaw, err := json.Marshal(r.fields)
		if err != nil {
			log.Printf("⚠️  Failed to encode fields for %s: %v", r.entityID, err)
			continue
		}
		rec := models.CentralRecord{
			EntityID:      r.entityID,
			Fields:        datatypes.JSON(fieldsRaw),
			VersionVector: datatypes.JSON(vv.JSON()),
			LastWriter:    seedWriter,
			UpdatedAt:     now,
			ServerSeq:     int64(i + 1),
		}
		if err := db.Create(&rec).Error; err != nil {
			log.Printf("⚠️  Failed to create record %s: %v", r.entityID, err)
		} else {
			fmt.Printf("   ✓ Created record: %s\n", r.entityID)
		}
	}
	fmt.Printf("✅ Created %d records\n\n", len(records))

	// Summary
	fmt.Println()
	fmt.Println("=" + string(make([]rune, 60)))
	fmt.Println("🎉 Demo data created successfully!")
	fmt.Println()
	fmt.Println("📊 Summary:")
	fmt.Printf("   • 1 admin account (%s)\n", adminEmail)
	fmt.Printf("   • %d health records for one demo patient\n", len(records))
	fmt.Println()
	fmt.Println("🌐 Start the central server:")
	fmt.Println("   go run ./cmd/syncserver")
	fmt.Printf("   Then visit: http://localhost:%s\n", cfg.Port)
	fmt.Println()
	fmt.Println("📱 Pair a device daemon:")
	fmt.Println("   go run ./cmd/syncd")
	fmt.Printf("   curl http://localhost:%s/setup/qr?format=text\n", cfg.Port)
	fmt.Println("=" + string(make([]rune, 60)))
}
