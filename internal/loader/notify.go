package loader

import (
	"context"

	list "github.com/bahlo/generic-list-go"
	"github.com/gofrs/uuid/v5"
	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
)

type subscriber struct {
	cookie loader.Cookie
	fn     loader.NotificationFunc
}

// notificationBus is guarded by the loader lock.
type notificationBus struct {
	subs  *list.List[subscriber]
	index map[loader.Cookie]*list.Element[subscriber]
}

func (b *notificationBus) ctor() {
	b.subs = list.New[subscriber]()
	b.index = make(map[loader.Cookie]*list.Element[subscriber])
}

func (b *notificationBus) subscribe(fn loader.NotificationFunc) (loader.Cookie, error) {
	cookie, err := uuid.NewV4()
	if err != nil {
		return loader.Cookie{}, err
	}
	b.index[cookie] = b.subs.PushBack(subscriber{cookie: cookie, fn: fn})
	return cookie, nil
}

func (b *notificationBus) unsubscribe(cookie loader.Cookie) error {
	elem, ok := b.index[cookie]
	if !ok {
		return loader.ErrNotFound
	}
	b.subs.Remove(elem)
	delete(b.index, cookie)
	return nil
}

func (b *notificationBus) publish(ctx context.Context, e loader.Event) {
	subs := make([]subscriber, 0, b.subs.Len())
	for elem := b.subs.Front(); elem != nil; elem = elem.Next() {
		subs = append(subs, elem.Value)
	}
	for _, sub := range subs {
		if _, ok := b.index[sub.cookie]; ok {
			b.deliver(ctx, sub, e)
		}
	}
}

func (b *notificationBus) deliver(ctx context.Context, sub subscriber, e loader.Event) {
	defer func() {
		if v := recover(); v != nil {
			log.Errorln("notification %s %s: %v", e.Kind, e.Module.BaseName, loader.NewPanicException(e.Module.BaseName, v))
		}
	}()
	sub.fn(ctx, e)
}
