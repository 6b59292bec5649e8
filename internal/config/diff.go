package config

import "reflect"

// RepositoryDiff is the result of comparing two repository sets by id.
type RepositoryDiff struct {
	Added    []Repository
	Modified []Repository
	Removed  []Repository
}

// Empty reports whether the diff carries no changes.
func (d RepositoryDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// DiffRepositories computes added/modified/removed between two sets.
// Order within each bucket follows the new set (added/modified) or the old
// set (removed).
func DiffRepositories(old, new []Repository) RepositoryDiff {
	oldByID := make(map[string]Repository, len(old))
	for _, repo := range old {
		oldByID[repo.ID] = repo
	}
	newByID := make(map[string]Repository, len(new))
	for _, repo := range new {
		newByID[repo.ID] = repo
	}

	var diff RepositoryDiff
	for _, repo := range new {
		prev, ok := oldByID[repo.ID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, repo)
		case !reflect.DeepEqual(prev, repo):
			diff.Modified = append(diff.Modified, repo)
		}
	}
	for _, repo := range old {
		if _, ok := newByID[repo.ID]; !ok {
			diff.Removed = append(diff.Removed, repo)
		}
	}
	return diff
}
