package inventory

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

type memoryStore struct {
	txMu     sync.Mutex
	dataMu   sync.Mutex
	products map[string]Product
	items    map[int64]Item
	nextID   int64
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{products: map[string]Product{}, items: map[int64]Item{}}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	return fn(ctx, store)
}

func (store *memoryStore) GetProduct(_ context.Context, productID ProductID) (Product, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	product, ok := store.products[productID.String()]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return product, nil
}

func (store *memoryStore) LockProduct(ctx context.Context, productID ProductID) (Product, error) {
	return store.GetProduct(ctx, productID)
}

func (store *memoryStore) SaveProduct(_ context.Context, product Product) error {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	store.products[product.ID.String()] = product
	return nil
}

func (store *memoryStore) ListActiveProducts(context.Context) ([]Product, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var active []Product
	for _, product := range store.products {
		if product.Active() {
			active = append(active, product)
		}
	}
	sort.Slice(active, func(left, right int) bool { return active[left].ID.String() < active[right].ID.String() })
	return active, nil
}

func (store *memoryStore) InsertItems(_ context.Context, productID ProductID, payloads []string, tier Tier, createdUnixUTC int64) (int, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	for _, payload := range payloads {
		store.nextID++
		store.items[store.nextID] = Item{ID: store.nextID, ProductID: productID, Payload: payload, Tier: tier, CreatedUnixUTC: createdUnixUTC}
	}
	return len(payloads), nil
}

func (store *memoryStore) ClaimUnsoldItem(_ context.Context, claim Claim) (Item, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	for _, id := range store.sortedIDs() {
		item := store.items[id]
		if item.ProductID != claim.ProductID || item.Tier != TierSecondary || item.Sold {
			continue
		}
		item.Sold = true
		item.BuyerID = claim.BuyerID.String()
		item.OrderCode = claim.OrderCode
		item.SoldUnixUTC = claim.SoldUnixUTC
		store.items[id] = item
		return item, nil
	}
	return Item{}, ErrNotEnoughStock
}

func (store *memoryStore) CountAvailable(_ context.Context, productID ProductID, tier Tier) (int64, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var count int64
	for _, item := range store.items {
		if item.ProductID == productID && item.Tier == tier && !item.Sold {
			count++
		}
	}
	return count, nil
}

func (store *memoryStore) PromoteItems(_ context.Context, productID ProductID, limit int64) (int64, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var moved int64
	for _, id := range store.sortedIDs() {
		if moved == limit {
			break
		}
		item := store.items[id]
		if item.ProductID != productID || item.Tier != TierPrimary || item.Sold {
			continue
		}
		item.Tier = TierSecondary
		store.items[id] = item
		moved++
	}
	return moved, nil
}

func (store *memoryStore) GetItem(_ context.Context, itemID int64) (Item, error) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	item, ok := store.items[itemID]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

func (store *memoryStore) DeleteUnsoldItem(_ context.Context, itemID int64) error {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	item, ok := store.items[itemID]
	switch {
	case !ok:
		return ErrItemNotFound
	case item.Sold:
		return ErrItemSold
	}
	delete(store.items, itemID)
	return nil
}

func (store *memoryStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(store.items))
	for id := range store.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(left, right int) bool { return ids[left] < ids[right] })
	return ids
}

func (store *memoryStore) itemsIn(productID ProductID, tier Tier) []Item {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var items []Item
	for _, id := range store.sortedIDs() {
		item := store.items[id]
		if item.ProductID == productID && item.Tier == tier && !item.Sold {
			items = append(items, item)
		}
	}
	return items
}

type recordingSink struct {
	mu     sync.Mutex
	events []stockEvent
}

type stockEvent struct {
	productID string
	quantity  int64
}

func (sink *recordingSink) StockQuantityChanged(_ context.Context, productID string, quantity int64) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events = append(sink.events, stockEvent{productID: productID, quantity: quantity})
}

func mustProductID(test *testing.T, raw string) ProductID {
	test.Helper()
	productID, err := NewProductID(raw)
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	return productID
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func seedProduct(test *testing.T, store *memoryStore, id string, minimum int64, maximum int64) ProductID {
	test.Helper()
	productID := mustProductID(test, id)
	if err := store.SaveProduct(context.Background(), Product{ID: productID, Name: id, Price: 50_000, MinSecondaryStock: minimum, MaxSecondaryStock: maximum, Status: ProductActive}); err != nil {
		test.Fatalf("seed product: %v", err)
	}
	return productID
}

func seedItems(test *testing.T, store *memoryStore, productID ProductID, tier Tier, count int) {
	test.Helper()
	payloads := make([]string, count)
	for index := range payloads {
		payloads[index] = "user" + string(rune('a'+index%26)) + "|secret"
	}
	if _, err := store.InsertItems(context.Background(), productID, payloads, tier, 1); err != nil {
		test.Fatalf("seed items: %v", err)
	}
}
