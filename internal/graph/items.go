package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// listPageSize is the largest $top Graph accepts for drive item collections.
const listPageSize = 200

const itemSelect = "id,name,eTag,parentReference,deleted,file,folder,lastModifiedDateTime"

type driveItemResponse struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	ETag                 string           `json:"eTag"`
	LastModifiedDateTime string           `json:"lastModifiedDateTime"`
	ParentReference      *parentRef       `json:"parentReference"`
	File                 *fileFacet       `json:"file"`
	Folder               *json.RawMessage `json:"folder"`
	Deleted              *json.RawMessage `json:"deleted"`
}

type fileFacet struct {
	Hashes struct {
		QuickXorHash string `json:"quickXorHash"`
	} `json:"hashes"`
}

type parentRef struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
	Path    string `json:"path"`
}

type collectionResponse[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

type identityRef struct {
	ID string `json:"id"`
}

type identitySet struct {
	User      *identityRef `json:"user"`
	Group     *identityRef `json:"group"`
	SiteGroup *identityRef `json:"siteGroup"`
}

type permissionResponse struct {
	Roles                 []string      `json:"roles"`
	GrantedToV2           *identitySet  `json:"grantedToV2"`
	GrantedToIdentitiesV2 []identitySet `json:"grantedToIdentitiesV2"`
}

func (d *driveItemResponse) toMetadata() *backend.Metadata {
	m := &backend.Metadata{
		ID:        d.ID,
		Name:      d.Name,
		VersionID: d.ETag,
		Deleted:   d.Deleted != nil,
	}

	if d.ParentReference != nil {
		m.ParentID = d.ParentReference.ID

		if p := d.ParentReference.Path; p != "" {
			// "/drive/root:/Reports" → "/Reports/<name>"
			if _, rel, ok := strings.Cut(p, ":"); ok {
				m.Path = rel + "/" + d.Name
			}
		}
	}

	if t, err := time.Parse(time.RFC3339, d.LastModifiedDateTime); err == nil {
		m.Modified = t
	}

	return m
}

// roleFor maps Graph permission roles to the strongest backend role.
func roleFor(roles []string) backend.Role {
	best := backend.RoleNone

	for _, r := range roles {
		var got backend.Role

		switch r {
		case "owner":
			got = backend.RoleOwner
		case "write":
			got = backend.RoleEditor
		case "read":
			got = backend.RoleViewer
		}

		if got > best {
			best = got
		}
	}

	return best
}

// GetMetadata returns the live state of fileID together with the actor's
// effective permission on it and the readability of its parent folder.
func (s *Session) GetMetadata(ctx context.Context, fileID string) (*backend.Metadata, error) {
	var dir driveItemResponse
	if err := s.getJSON(ctx, fmt.Sprintf("%s/items/%s?$select=%s", s.drive, url.PathEscape(fileID), itemSelect), &dir); err != nil {
		return nil, err
	}

	meta := dir.toMetadata()

	if meta.Deleted {
		return meta, nil
	}

	perm, err := s.permission(ctx, fileID)
	if err != nil {
		return nil, err
	}

	meta.Permission = perm

	meta.ParentReadable, err = s.parentReadable(ctx, meta.ParentID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("fetched metadata",
		slog.String("file_id", fileID),
		slog.String("role", perm.Role.String()),
		slog.Bool("parent_readable", meta.ParentReadable),
	)

	return meta, nil
}

// permission computes the actor's role on fileID. Items in the actor's own
// drive are owned. When the permission list is hidden or names no grant
// reachable from the actor (SharePoint site groups), the actor is treated
// as an editor and the conditional write decides.
func (s *Session) permission(ctx context.Context, fileID string) (backend.Permission, error) {
	if s.own {
		return backend.Permission{Role: backend.RoleOwner}, nil
	}

	perms, err := collect[permissionResponse](ctx, s, fmt.Sprintf("%s/items/%s/permissions", s.drive, url.PathEscape(fileID)))
	if errors.Is(err, backend.ErrForbidden) {
		s.logger.Debug("permission list hidden, deferring to vendor", slog.String("file_id", fileID))
		return backend.Permission{Role: backend.RoleEditor}, nil
	}

	if err != nil {
		return backend.Permission{}, err
	}

	who, err := s.identity(ctx)
	if err != nil {
		return backend.Permission{}, err
	}

	var (
		perm    backend.Permission
		matched bool
	)

	for _, p := range perms {
		role := roleFor(p.Roles)

		grantees := p.GrantedToIdentitiesV2
		if p.GrantedToV2 != nil {
			grantees = append(grantees, *p.GrantedToV2)
		}

		for _, g := range grantees {
			switch {
			case g.User != nil && g.User.ID == who.userID:
				matched = true

				if role > perm.Role {
					perm.Role = role
				}
			case g.Group != nil && who.inGroup(g.Group.ID):
				matched = true

				perm.GroupRoles = append(perm.GroupRoles, role)
			}
		}
	}

	if !matched {
		return backend.Permission{Role: backend.RoleEditor}, nil
	}

	return perm, nil
}

func (s *Session) parentReadable(ctx context.Context, parentID string) (bool, error) {
	if parentID == "" {
		return false, nil
	}

	if s.own {
		return true, nil
	}

	var ref identityRef

	err := s.getJSON(ctx, fmt.Sprintf("%s/items/%s?$select=id", s.drive, url.PathEscape(parentID)), &ref)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, backend.ErrForbidden), errors.Is(err, backend.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// identity is the signed-in user and the groups they belong to.
type identity struct {
	userID string
	groups map[string]struct{}
}

func (i *identity) inGroup(id string) bool {
	_, ok := i.groups[id]
	return ok
}

func (s *Session) identity(ctx context.Context) (*identity, error) {
	if s.who != nil {
		return s.who, nil
	}

	var me identityRef
	if err := s.getJSON(ctx, "/me?$select=id", &me); err != nil {
		return nil, err
	}

	groups, err := collect[identityRef](ctx, s, "/me/transitiveMemberOf?$select=id")
	if err != nil {
		return nil, err
	}

	who := &identity{userID: me.ID, groups: make(map[string]struct{}, len(groups))}
	for _, g := range groups {
		who.groups[g.ID] = struct{}{}
	}

	s.who = who

	return who, nil
}

// ListChildren returns the names of every child of folderID.
func (s *Session) ListChildren(ctx context.Context, folderID string) ([]string, error) {
	items, err := collect[driveItemResponse](ctx, s,
		fmt.Sprintf("%s/items/%s/children?$select=name&$top=%d", s.folderBase(folderID), url.PathEscape(folderID), listPageSize))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(items))
	for i := range items {
		names = append(names, items[i].Name)
	}

	s.logger.Debug("listed children", slog.String("folder_id", folderID), slog.Int("count", len(names)))

	return names, nil
}

// collect follows @odata.nextLink until the collection is exhausted.
func collect[T any](ctx context.Context, s *Session, path string) ([]T, error) {
	var out []T

	for path != "" {
		var page collectionResponse[T]
		if err := s.getJSON(ctx, path, &page); err != nil {
			return nil, err
		}

		out = append(out, page.Value...)
		path = ""

		if page.NextLink != "" {
			next, err := s.client.stripBaseURL(page.NextLink)
			if err != nil {
				return nil, err
			}

			path = next
		}
	}

	return out, nil
}

func (s *Session) getJSON(ctx context.Context, path string, v any) error {
	resp, err := s.client.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("graph: decoding response: %w", err)
	}

	return nil
}

// stripBaseURL turns an absolute nextLink back into a path for Do.
func (c *Client) stripBaseURL(fullURL string) (string, error) {
	if !strings.HasPrefix(fullURL, c.baseURL) {
		return "", fmt.Errorf("graph: nextLink URL %q does not match base URL %q", fullURL, c.baseURL)
	}

	return fullURL[len(c.baseURL):], nil
}
