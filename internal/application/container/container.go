package container

import (
	"terminus/internal/application/port"
	"terminus/internal/application/service"
)

// Container lazily builds the application services around one repository
// and cache pair.
type Container struct {
	repo  port.Repository
	cache port.Cache

	store  *service.BookStore
	health *service.HealthRegistry
}

func New(repo port.Repository, cache port.Cache) *Container {
	return &Container{repo: repo, cache: cache}
}

func (c *Container) Repository() port.Repository {
	return c.repo
}

func (c *Container) Cache() port.Cache {
	return c.cache
}

func (c *Container) BookStore() *service.BookStore {
	if c.store == nil {
		c.store = service.NewBookStore()
	}
	return c.store
}

func (c *Container) HealthRegistry() *service.HealthRegistry {
	if c.health == nil {
		c.health = service.NewHealthRegistry()
	}
	return c.health
}
