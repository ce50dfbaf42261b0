package chain

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/oneevilcoin/evild/src/crypto"
)

func initBadgerStore(t *testing.T) (*BadgerStore, string) {
	dir, err := ioutil.TempDir("", "badger")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "db")

	store, err := NewBadgerStore(path)
	if err != nil {
		t.Fatal(err)
	}
	return store, dir
}

func TestNewBadgerStore(t *testing.T) {
	store, dir := initBadgerStore(t)
	defer os.RemoveAll(dir)

	if store.Height() != 0 {
		t.Fatalf("new store should be empty, got height %d", store.Height())
	}
	if store.StorePath() != filepath.Join(dir, "db") {
		t.Fatalf("unexpected store path %s", store.StorePath())
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBadgerStoreRoundtrip(t *testing.T) {
	store, dir := initBadgerStore(t)
	defer os.RemoveAll(dir)

	genesis := GenesisBlock()
	genesisBlob, err := genesis.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PushBlock(genesis, genesisBlob, nil); err != nil {
		t.Fatal(err)
	}

	txBlob, txID := buildTx(t, 5)
	blocks, blobs, ids := buildBlocks(t, GenesisID(), 3, 1, []crypto.Hash{txID})

	for i, b := range blocks {
		var txs map[crypto.Hash][]byte
		if i == 0 {
			txs = map[crypto.Hash][]byte{txID: txBlob}
		}
		if err := store.PushBlock(b, blobs[i], txs); err != nil {
			t.Fatal(err)
		}
	}

	if store.Height() != 4 {
		t.Fatalf("store should hold 4 blocks, got %d", store.Height())
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// reload from disk and check the index was rebuilt
	reloaded, err := LoadBadgerStore(store.StorePath())
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	if reloaded.Height() != 4 {
		t.Fatalf("reloaded store should hold 4 blocks, got %d", reloaded.Height())
	}

	height, topID, err := reloaded.Top()
	if err != nil {
		t.Fatal(err)
	}
	if height != 3 || topID != ids[2] {
		t.Fatalf("unexpected tip after reload: height=%d", height)
	}

	for i, id := range ids {
		if !reloaded.HaveBlock(id) {
			t.Fatalf("block %d missing after reload", i)
		}
		_, blob, err := reloaded.GetBlockByID(id)
		if err != nil {
			t.Fatal(err)
		}
		if string(blob) != string(blobs[i]) {
			t.Fatalf("block %d blob corrupted", i)
		}
	}

	if !reloaded.HaveTransaction(txID) {
		t.Fatal("transaction missing after reload")
	}
	gotTx, err := reloaded.GetTransaction(txID)
	if err != nil {
		t.Fatal(err)
	}
	if string(gotTx) != string(txBlob) {
		t.Fatal("transaction blob corrupted")
	}

	if _, err := reloaded.GetBlockHeight(ids[1]); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOrCreateBadgerStore(t *testing.T) {
	dir, err := ioutil.TempDir("", "badger")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "db")

	// no database yet, a new one is created
	store, err := LoadOrCreateBadgerStore(path)
	if err != nil {
		t.Fatal(err)
	}

	genesis := GenesisBlock()
	genesisBlob, err := genesis.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PushBlock(genesis, genesisBlob, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// second time around the existing database is loaded
	store, err = LoadOrCreateBadgerStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if store.Height() != 1 {
		t.Fatalf("expected the persisted genesis, got height %d", store.Height())
	}
}
