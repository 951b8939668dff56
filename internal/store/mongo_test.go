package store

import (
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestProjectUpdateUnsetsClearedRepo(t *testing.T) {
	empty := ""
	update := projectUpdate(ProjectPatch{Repo: &empty})

	unset, ok := update["$unset"].(bson.M)
	if !ok {
		t.Fatalf("cleared repo should produce $unset, got %v", update)
	}
	if _, ok := unset["repo"]; !ok {
		t.Fatalf("repo missing from $unset: %v", unset)
	}
	set := update["$set"].(bson.M)
	if _, ok := set["repo"]; ok {
		t.Fatalf("cleared repo must not be written through $set: %v", set)
	}
}

func TestProjectUpdateSetsRepo(t *testing.T) {
	repo := "https://github.com/me/portfolio"
	update := projectUpdate(ProjectPatch{Repo: &repo})

	set := update["$set"].(bson.M)
	if set["repo"] != repo {
		t.Fatalf("repo not set: %v", set)
	}
	if _, ok := update["$unset"]; ok {
		t.Fatalf("non-empty repo should not unset anything: %v", update)
	}
	if inc := update["$inc"].(bson.M); inc["version"] != 1 {
		t.Fatalf("version increment missing: %v", update)
	}
}
