package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/pixfind/pixfind/internal/auth"
	"github.com/pixfind/pixfind/internal/db"
)

// Seeds a demo dataset: two users, a shared folder and a handful of image
// rows. Intended for local development against a fresh database.
func main() {
	dbPath := flag.String("database-path", "./pixfind.db", "Database file path")
	flag.Parse()

	repo, err := db.NewRepository(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer repo.Close()

	fmt.Println("Seeding database...")

	users := []struct {
		Username string
		Password string
	}{
		{"alice", "alice-demo-password"},
		{"bob", "bob-demo-password"},
	}

	userIDs := make(map[string]int64)
	for _, u := range users {
		hash, err := auth.HashPassword(u.Password)
		if err != nil {
			log.Fatal(err)
		}
		res, err := repo.DB.Exec("INSERT INTO users (username, password_hash) VALUES (?, ?)", u.Username, hash)
		if err != nil {
			log.Fatalf("Failed to insert user %s: %v", u.Username, err)
		}
		id, _ := res.LastInsertId()
		userIDs[u.Username] = id
		fmt.Printf("  user %s (id=%d, password=%q)\n", u.Username, id, u.Password)
	}

	folders := []struct {
		Owner string
		Name  string
	}{
		{"alice", "vacation"},
		{"alice", "pets"},
		{"bob", "screenshots"},
	}

	folderIDs := make(map[string]int64)
	for _, f := range folders {
		res, err := repo.DB.Exec("INSERT INTO folders (user_id, name) VALUES (?, ?)", userIDs[f.Owner], f.Name)
		if err != nil {
			log.Fatalf("Failed to insert folder %s: %v", f.Name, err)
		}
		id, _ := res.LastInsertId()
		folderIDs[f.Name] = id
		fmt.Printf("  folder %s/%s (id=%d)\n", f.Owner, f.Name, id)
	}

	// Alice shares her vacation folder with bob
	if _, err := repo.DB.Exec(
		"INSERT INTO folder_shares (folder_id, owner_id, shared_with_user_id, permission) VALUES (?, ?, ?, 'view')",
		folderIDs["vacation"], userIDs["alice"], userIDs["bob"]); err != nil {
		log.Printf("Failed to insert share: %v", err)
	}
	fmt.Println("  share vacation -> bob (view)")

	images := []struct {
		Folder   string
		Filename string
	}{
		{"vacation", "beach.jpg"},
		{"vacation", "sunset.jpg"},
		{"pets", "cat.jpg"},
		{"screenshots", "invoice.png"},
	}

	for _, img := range images {
		folder := img.Folder
		var ownerID int64
		for _, f := range folders {
			if f.Name == folder {
				ownerID = userIDs[f.Owner]
			}
		}
		path := fmt.Sprintf("images/%d/%d/%s", ownerID, folderIDs[folder], img.Filename)
		if _, err := repo.DB.Exec(
			"INSERT INTO images (user_id, folder_id, file_path) VALUES (?, ?, ?)",
			ownerID, folderIDs[folder], path); err != nil {
			log.Printf("Failed to insert image %s: %v", img.Filename, err)
		}
	}
	fmt.Printf("  %d images\n", len(images))

	fmt.Println("Seeding complete.")
}
