package purchase

// Product is a credit package sold through the payment provider.
type Product struct {
	ID      string `json:"id"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Credits int    `json:"credits"`
	// Price in whole dollars.
	Price int `json:"price"`
}

// Products is the catalog. IDs are the provider's product ids.
var Products = []Product{
	{ID: "94bc2529-7b95-4a04-a1a5-42ba88de67bc", Slug: "basic", Name: "Basic Package", Credits: 30, Price: 9},
	{ID: "085a268c-d0c7-4f11-9e84-a49ecee7eda5", Slug: "pro", Name: "Pro Package", Credits: 100, Price: 19},
	{ID: "04035724-fade-4b6c-b2cb-cf53b7ad4855", Slug: "premium", Name: "Premium Package", Credits: 200, Price: 29},
}

func ProductByID(id string) (Product, bool) {
	for _, p := range Products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

func ProductBySlug(slug string) (Product, bool) {
	for _, p := range Products {
		if p.Slug == slug {
			return p, true
		}
	}
	return Product{}, false
}
